package schedule

import "strings"

// Weekday indexes the day bits of a trigger. Bit 0 is Monday, bit 6 Sunday.
type Weekday uint8

const (
	Monday Weekday = iota
	Tuesday
	Wednesday
	Thursday
	Friday
	Saturday
	Sunday
)

const daysInWeek = 7

// Well-known day masks.
const (
	Once     uint8 = 0
	Weekdays uint8 = 0b0011111
	Weekends uint8 = 0b1100000
	Everyday uint8 = 0b1111111
)

var dayNames = [daysInWeek]string{
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
}

func (d Weekday) String() string {
	if int(d) >= daysInWeek {
		return "Unknown"
	}
	return dayNames[d]
}

// Short is the three letter form used in summaries.
func (d Weekday) Short() string {
	return d.String()[:3]
}

func (d Weekday) bit() uint8 {
	return 1 << d
}

// Day is one row of the week picker.
type Day struct {
	Weekday  Weekday `json:"weekday"`
	Name     string  `json:"name"`
	Selected bool    `json:"selected"`
}

// Week is the ordered Monday..Sunday day selection.
type Week [daysInWeek]Day

// NewWeek returns a week with the given days selected.
func NewWeek(days ...Weekday) Week {
	w := BitmaskToWeek(Once)
	for _, d := range days {
		if int(d) < daysInWeek {
			w[d].Selected = true
		}
	}
	return w
}

func DaysToBitmask(w Week) uint8 {
	var mask uint8
	for _, day := range w {
		if day.Selected {
			mask |= day.Weekday.bit()
		}
	}
	return mask
}

func BitmaskToWeek(mask uint8) Week {
	var w Week
	for i := range w {
		d := Weekday(i)
		w[i] = Day{Weekday: d, Name: d.String(), Selected: mask&d.bit() != 0}
	}
	return w
}

// Selected returns the chosen weekdays in week order.
func (w Week) Selected() []Weekday {
	var out []Weekday
	for _, day := range w {
		if day.Selected {
			out = append(out, day.Weekday)
		}
	}
	return out
}

// Summary renders a day mask for list rows: "Once", "Everyday", "Weekdays",
// "Weekends" or a comma separated list such as "Mon, Wed, Fri".
func Summary(mask uint8) string {
	switch mask & Everyday {
	case Once:
		return "Once"
	case Everyday:
		return "Everyday"
	case Weekdays:
		return "Weekdays"
	case Weekends:
		return "Weekends"
	}

	var names []string
	for _, d := range BitmaskToWeek(mask).Selected() {
		names = append(names, d.Short())
	}
	return strings.Join(names, ", ")
}
