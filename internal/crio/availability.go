package crio

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Slot is a bookable half-hour block.
type Slot struct {
	StartsAt          time.Time
	CapacityTotal     int
	CapacityRemaining int
	Block             string
}

// Display renders a slot for an SMS, e.g. "Friday, August 15 at 9:00 AM".
func (s Slot) Display() string {
	return s.StartsAt.Format("Monday, January 2 at 3:04 PM")
}

type capacityKind int

const (
	capacityHourly capacityKind = iota
	capacityHalfHourly
	capacityAlternating
)

type capacity struct {
	kind   capacityKind
	count  int
	onHour int
	onHalf int
}

var capacityPatterns = []struct {
	re   *regexp.Regexp
	kind capacityKind
}{
	{regexp.MustCompile(`(\d+)\s*ps\s*/?\s*(?:per\s+)?hour`), capacityHourly},
	{regexp.MustCompile(`(\d+)\s*(?:general\s+)?recruitment(?:\s*\([^)]*\))?\s*/\s*hr`), capacityHourly},
	{regexp.MustCompile(`(\d+)\s+\d{3,5}\s+recruitments?\s*/\s*h(?:ou)?r`), capacityHourly},
	{regexp.MustCompile(`(\d+)\s*ps\s*per\s*half`), capacityHalfHourly},
	{regexp.MustCompile(`(\d+)/30`), capacityHalfHourly},
	{regexp.MustCompile(`(\d+)/hr`), capacityHourly},
	{regexp.MustCompile(`(\d+)\s*ps`), capacityHalfHourly},
}

var alternatingPattern = regexp.MustCompile(`(\d+)\s+on\s+hour.*?(\d+)\s+on\s+half`)

// parseCapacity reads the capacity a coordinator encoded in a calendar block
// title ("2 PS/Hour", "4 PS per half hour", "Viking 301 2/hr").
func parseCapacity(title string) (capacity, bool) {
	lower := strings.ToLower(title)
	if m := alternatingPattern.FindStringSubmatch(lower); m != nil {
		onHour, _ := strconv.Atoi(m[1])
		onHalf, _ := strconv.Atoi(m[2])
		return capacity{kind: capacityAlternating, onHour: onHour, onHalf: onHalf}, true
	}
	for _, p := range capacityPatterns {
		if m := p.re.FindStringSubmatch(lower); m != nil {
			n, _ := strconv.Atoi(m[1])
			return capacity{kind: p.kind, count: n}, true
		}
	}
	return capacity{}, false
}

func (c capacity) at(t time.Time) int {
	switch c.kind {
	case capacityAlternating:
		switch t.Minute() {
		case 0:
			return c.onHour
		case 30:
			return c.onHalf
		}
		return 0
	case capacityHourly:
		if t.Minute() == 0 {
			return c.count
		}
		return 0
	default:
		return c.count
	}
}

var eventLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02T15:04", "01/02/2006 03:04 PM"}

// parseEventTime drops any zone so block and visit times compare as site-local
// wall clock.
func parseEventTime(raw string, loc *time.Location) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	for _, layout := range eventLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
		}
	}
	return time.Time{}, false
}

// SlotFinder derives open slots from capacity blocks minus booked visits.
type SlotFinder struct {
	client     Client
	userID     string
	visitTypes map[string]bool
	location   *time.Location
	now        func() time.Time
}

func NewSlotFinder(client Client, capacityUserID string) *SlotFinder {
	return &SlotFinder{
		client:     client,
		userID:     capacityUserID,
		visitTypes: map[string]bool{"Recruitment": true, "Screening": true},
		location:   time.UTC,
		now:        time.Now,
	}
}

// WithLocation sets the site-local zone used to read calendar times.
func (f *SlotFinder) WithLocation(loc *time.Location) *SlotFinder {
	if loc != nil {
		f.location = loc
	}
	return f
}

// NextAvailable returns up to limit weekday slots strictly after today,
// earliest first.
func (f *SlotFinder) NextAvailable(ctx context.Context, creds Credentials, siteID string, limit, daysAhead int) ([]Slot, error) {
	today := f.now().In(f.location)
	startDay := time.Date(today.Year(), today.Month(), today.Day(), 0, 0, 0, 0, f.location)
	events, err := f.client.ListSchedule(ctx, creds, siteID, startDay, startDay.AddDate(0, 0, daysAhead))
	if err != nil {
		return nil, err
	}
	slots := f.slotsFrom(events)
	tomorrow := startDay.AddDate(0, 0, 1)
	out := make([]Slot, 0, len(slots))
	for _, s := range slots {
		if s.CapacityRemaining <= 0 || s.StartsAt.Before(tomorrow) {
			continue
		}
		if wd := s.StartsAt.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartsAt.Before(out[j].StartsAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type span struct{ start, end time.Time }

func (f *SlotFinder) slotsFrom(events []CalendarEvent) []Slot {
	var visits []span
	for _, e := range events {
		if !f.visitTypes[e.Visit] {
			continue
		}
		start, ok1 := parseEventTime(e.Start, f.location)
		end, ok2 := parseEventTime(e.End, f.location)
		if ok1 && ok2 {
			visits = append(visits, span{start, end})
		}
	}

	var slots []Slot
	for _, e := range events {
		if !e.IsAppointment || (f.userID != "" && string(e.UserID) != f.userID) {
			continue
		}
		capInfo, ok := parseCapacity(e.Label())
		if !ok {
			continue
		}
		start, ok1 := parseEventTime(e.Start, f.location)
		end, ok2 := parseEventTime(e.End, f.location)
		if !ok1 || !ok2 {
			continue
		}
		for cur := start; cur.Before(end); cur = cur.Add(30 * time.Minute) {
			total := capInfo.at(cur)
			if total <= 0 {
				continue
			}
			slotEnd := cur.Add(30 * time.Minute)
			overlaps := 0
			for _, v := range visits {
				if v.start.Before(slotEnd) && v.end.After(cur) {
					overlaps++
				}
			}
			remaining := total - overlaps
			if remaining < 0 {
				remaining = 0
			}
			slots = append(slots, Slot{StartsAt: cur, CapacityTotal: total, CapacityRemaining: remaining, Block: e.Label()})
		}
	}
	return slots
}
