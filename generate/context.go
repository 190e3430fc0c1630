package generate

import (
	"fmt"
	"time"

	"github.com/lukinterlab/idealimage-ru-sub001/template"
)

var monthNames = [12]string{
	"января", "февраля", "марта", "апреля", "мая", "июня",
	"июля", "августа", "сентября", "октября", "ноября", "декабря",
}

// Indexed by time.Weekday, Sunday first
var weekdayNames = [7]string{
	"воскресенье", "понедельник", "вторник", "среда", "четверг", "пятница", "суббота",
}

// formatDate renders "5 марта 2026"
func formatDate(t time.Time) string {
	return fmt.Sprintf("%d %s %d", t.Day(), monthNames[t.Month()-1], t.Year())
}

func season(m time.Month) string {
	switch m {
	case time.December, time.January, time.February:
		return "зима"
	case time.March, time.April, time.May:
		return "весна"
	case time.June, time.July, time.August:
		return "лето"
	default:
		return "осень"
	}
}

// Merge overlays layers left to right; a later layer wins on the same key.
// Nil layers are skipped.
func Merge(layers ...map[string]any) map[string]any {
	out := make(map[string]any)
	for _, layer := range layers {
		for k, v := range layer {
			out[k] = v
		}
	}
	return out
}

// DefaultVars declares every template variable as an empty string
func DefaultVars(tmpl *template.Template) map[string]any {
	vars := make(map[string]any, len(tmpl.Variables))
	for _, name := range tmpl.Variables {
		vars[name] = ""
	}
	return vars
}

// AutoVars computes date, calendar and rotation variables for now.
// The target date is now + target_date_offset days, at least one day ahead.
func AutoVars(tmpl *template.Template, now time.Time) map[string]any {
	offset := tmpl.TargetDateOffset
	if offset < 1 {
		offset = 1
	}
	target := now.AddDate(0, 0, offset)

	weekend := "рабочий день"
	if wd := target.Weekday(); wd == time.Saturday || wd == time.Sunday {
		weekend = "выходной день"
	}

	vars := map[string]any{
		"date":           formatDate(target),
		"next_date":      formatDate(target),
		"current_date":   formatDate(now),
		"weekday":        weekdayNames[target.Weekday()],
		"weekend_status": weekend,
		"season":         season(target.Month()),
		"year":           target.Year(),
		"current_year":   now.Year(),
	}

	if r := tmpl.Rotation; r != nil && r.Key != "" && len(r.Values) > 0 {
		vars[r.Key] = r.Values[(now.Day()-1)%len(r.Values)]
	}
	return vars
}

// BuildContext merges, in increasing precedence, template defaults, auto
// variables, caller variables and the schedule payload
func BuildContext(tmpl *template.Template, now time.Time, caller, payload map[string]any) map[string]any {
	return Merge(DefaultVars(tmpl), AutoVars(tmpl, now), caller, payload)
}
