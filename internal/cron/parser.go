package cron

import (
	"slices"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

type field struct {
	name     string
	min, max int
	aliases  map[string]int
}

var (
	monthNames = map[string]int{
		"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
		"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
	}
	dayNames = map[string]int{
		"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
	}

	minuteField = field{name: "minute", min: 0, max: 59}
	hourField   = field{name: "hour", min: 0, max: 23}
	domField    = field{name: "day-of-month", min: 1, max: 31}
	monthField  = field{name: "month", min: 1, max: 12, aliases: monthNames}
	// 7 is accepted as Sunday and folded to 0 after parsing
	dowField = field{name: "day-of-week", min: 0, max: 7, aliases: dayNames}
)

// parse parses a cron expression into a Schedule
func parse(expr string) (*Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.Newf("invalid cron expression: expected 5 fields, got %d", len(fields))
	}

	minutes, err := parseField(fields[0], minuteField)
	if err != nil {
		return nil, err
	}
	hours, err := parseField(fields[1], hourField)
	if err != nil {
		return nil, err
	}
	daysOfMonth, err := parseField(fields[2], domField)
	if err != nil {
		return nil, err
	}
	months, err := parseField(fields[3], monthField)
	if err != nil {
		return nil, err
	}
	daysOfWeek, err := parseField(fields[4], dowField)
	if err != nil {
		return nil, err
	}
	daysOfWeek = foldSunday(daysOfWeek)

	hourRestricted := !strings.HasPrefix(fields[1], "*")
	domRestricted := !strings.HasPrefix(fields[2], "*")
	dowRestricted := !strings.HasPrefix(fields[4], "*")

	// A day-of-week alternative always exists, so only a lone day-of-month
	// restriction can produce a schedule that never fires.
	if domRestricted && !dowRestricted {
		if err := validateImpossibleDates(daysOfMonth, months); err != nil {
			return nil, err
		}
	}

	return &Schedule{
		minutes:        minutes,
		hours:          hours,
		daysOfMonth:    daysOfMonth,
		months:         months,
		daysOfWeek:     daysOfWeek,
		domRestricted:  domRestricted,
		dowRestricted:  dowRestricted,
		hourRestricted: hourRestricted,
		original:       expr,
	}, nil
}

// parseField parses one comma-separated cron field into sorted unique values
func parseField(text string, f field) ([]int, error) {
	if text == "" {
		return nil, errors.Newf("invalid %s field: empty", f.name)
	}

	var result []int
	for _, part := range strings.Split(text, ",") {
		if part == "" {
			return nil, errors.Newf("invalid %s field: empty value in list", f.name)
		}
		vals, err := parsePart(part, f)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s field", f.name)
		}
		result = append(result, vals...)
	}

	slices.Sort(result)
	return slices.Compact(result), nil
}

// parsePart handles a single list element: *, N, N-M, */S, N-M/S or N/S
func parsePart(part string, f field) ([]int, error) {
	rangeText, stepText, hasStep := strings.Cut(part, "/")

	step := 1
	if hasStep {
		s, err := strconv.Atoi(stepText)
		if err != nil {
			return nil, errors.Newf("invalid step value %q", stepText)
		}
		if s <= 0 {
			return nil, errors.New("step must be greater than 0")
		}
		step = s
	}

	var start, end int
	switch {
	case rangeText == "*":
		start, end = f.min, f.max
	case strings.Contains(rangeText, "-"):
		lo, hi, _ := strings.Cut(rangeText, "-")
		var err error
		if start, err = parseValue(lo, f); err != nil {
			return nil, err
		}
		if end, err = parseValue(hi, f); err != nil {
			return nil, err
		}
		if start > end {
			return nil, errors.Newf("invalid range: start %d > end %d", start, end)
		}
	default:
		v, err := parseValue(rangeText, f)
		if err != nil {
			return nil, err
		}
		start, end = v, v
		// "N/S" means every S starting at N
		if hasStep {
			end = f.max
		}
	}

	var vals []int
	for v := start; v <= end; v += step {
		vals = append(vals, v)
	}
	return vals, nil
}

// parseValue parses a number or a field alias and checks its bounds
func parseValue(text string, f field) (int, error) {
	if v, ok := f.aliases[strings.ToUpper(text)]; ok {
		return v, nil
	}
	v, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.Newf("invalid value %q", text)
	}
	if v < f.min || v > f.max {
		return 0, errors.Newf("value %d out of bounds [%d, %d]", v, f.min, f.max)
	}
	return v, nil
}

func foldSunday(days []int) []int {
	if len(days) == 0 || days[len(days)-1] != 7 {
		return days
	}
	days = append([]int{0}, days[:len(days)-1]...)
	slices.Sort(days)
	return slices.Compact(days)
}

// validateImpossibleDates errors only when no month has any of the given days
func validateImpossibleDates(daysOfMonth, months []int) error {
	for _, month := range months {
		maxDay := daysInMonth(month)
		for _, day := range daysOfMonth {
			if day <= maxDay {
				return nil
			}
		}
	}
	return errors.Newf("impossible date: no valid days exist for specified days %v in months %v", daysOfMonth, months)
}

// daysInMonth returns the maximum number of days in a month, allowing Feb 29
func daysInMonth(month int) int {
	switch month {
	case 2:
		return 29
	case 4, 6, 9, 11:
		return 30
	default:
		return 31
	}
}
