package schedule

import "testing"

func TestFormatMinutes(t *testing.T) {
	tests := map[int]string{
		0:    "12:00 AM",
		90:   "1:30 AM",
		420:  "7:00 AM",
		720:  "12:00 PM",
		1439: "11:59 PM",
		1440: "12:00 AM",
	}
	for minutes, want := range tests {
		if got := FormatMinutes(minutes); got != want {
			t.Errorf("FormatMinutes(%d) = %q, want %q", minutes, got, want)
		}
	}
}

func TestParseClock(t *testing.T) {
	for minutes := 0; minutes < MinutesPerDay; minutes += 7 {
		got, err := ParseClock(FormatMinutes(minutes))
		if err != nil {
			t.Fatalf("ParseClock(%q): %v", FormatMinutes(minutes), err)
		}
		if got != minutes {
			t.Fatalf("round trip of %d gave %d", minutes, got)
		}
	}

	got, err := ParseClock(" 1:30 am ")
	if err != nil || got != 90 {
		t.Fatalf("ParseClock(1:30 am) = %d, %v", got, err)
	}

	if _, err := ParseClock("25:00"); err == nil {
		t.Fatal("expected error for 25:00")
	}
}
