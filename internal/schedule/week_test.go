package schedule

import "testing"

func TestBitmaskRoundTrip(t *testing.T) {
	for mask := 0; mask <= int(Everyday); mask++ {
		got := DaysToBitmask(BitmaskToWeek(uint8(mask)))
		if got != uint8(mask) {
			t.Errorf("mask %d: round trip gave %d", mask, got)
		}
	}
}

func TestNewWeek(t *testing.T) {
	w := NewWeek(Monday, Wednesday, Friday)
	if got := DaysToBitmask(w); got != 0b0010101 {
		t.Fatalf("mask = %b", got)
	}
	if w[Tuesday].Selected || !w[Friday].Selected {
		t.Fatalf("unexpected selection: %+v", w)
	}
	if w[Sunday].Name != "Sunday" {
		t.Fatalf("day 6 is %q", w[Sunday].Name)
	}
}

func TestSummary(t *testing.T) {
	tests := map[uint8]string{
		0:          "Once",
		127:        "Everyday",
		31:         "Weekdays",
		96:         "Weekends",
		1:          "Mon",
		64:         "Sun",
		0b0010101:  "Mon, Wed, Fri",
		0b0111111:  "Mon, Tue, Wed, Thu, Fri, Sat",
		0b1000001:  "Mon, Sun",
		0b11111110: "Tue, Wed, Thu, Fri, Sat, Sun",
	}
	for mask, want := range tests {
		if got := Summary(mask); got != want {
			t.Errorf("Summary(%d) = %q, want %q", mask, got, want)
		}
	}
}
