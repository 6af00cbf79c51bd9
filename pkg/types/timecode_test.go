package types_test

import (
	"testing"

	"github.com/bristlenose/bristlenose/pkg/types"
)

func TestFormatTimecode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		seconds float64
		want    string
	}{
		{0, "00:00"},
		{16, "00:16"},
		{59.9, "00:59"},
		{60, "01:00"},
		{754.25, "12:34"},
		{3599, "59:59"},
		{3600, "01:00:00"},
		{3725, "01:02:05"},
		{-3, "00:00"},
	}
	for _, c := range cases {
		if got := types.FormatTimecode(c.seconds); got != c.want {
			t.Errorf("FormatTimecode(%v) = %q, want %q", c.seconds, got, c.want)
		}
	}
}

func TestParseTimecode(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		want float64
	}{
		{"00:16", 16},
		{"12:34", 754},
		{"01:00:00", 3600},
		{"1:02:05", 3725},
		{" 00:16 ", 16},
		{"00:16.500", 16.5},
	}
	for _, c := range cases {
		got, err := types.ParseTimecode(c.in)
		if err != nil {
			t.Errorf("ParseTimecode(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseTimecode(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestParseTimecode_Invalid(t *testing.T) {
	t.Parallel()
	for _, in := range []string{"", "16", "a:b", "1:2:3:4", "-1:00"} {
		if _, err := types.ParseTimecode(in); err == nil {
			t.Errorf("ParseTimecode(%q): expected error, got nil", in)
		}
	}
}

func TestTimecodeRoundTripAcrossHourBoundary(t *testing.T) {
	t.Parallel()
	// A session crossing the one-hour mark mixes MM:SS and HH:MM:SS; both
	// forms must survive a format→parse round trip.
	for _, sec := range []float64{0, 59, 3599, 3600, 3661, 7322} {
		got, err := types.ParseTimecode(types.FormatTimecode(sec))
		if err != nil {
			t.Fatalf("round trip %v: %v", sec, err)
		}
		if got != sec {
			t.Errorf("round trip %v: got %v", sec, got)
		}
	}
}

func TestEnumValidity(t *testing.T) {
	t.Parallel()
	if !types.PlatformZoomLocal.IsValid() || types.Platform("skype").IsValid() {
		t.Error("Platform.IsValid misclassifies")
	}
	if !types.RoleParticipant.IsValid() || types.Role("moderator").IsValid() {
		t.Error("Role.IsValid misclassifies")
	}
	if !types.SentimentNone.IsValid() || types.Sentiment("anger").IsValid() {
		t.Error("Sentiment.IsValid misclassifies")
	}
	if !types.TransitionScreenChange.IsValid() || types.TransitionKind("scene").IsValid() {
		t.Error("TransitionKind.IsValid misclassifies")
	}
	if !types.ScopeGeneralContext.IsValid() || types.QuoteScope("misc").IsValid() {
		t.Error("QuoteScope.IsValid misclassifies")
	}
}
