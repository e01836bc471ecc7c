package sync

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/ttacon/libphonenumber"
)

type OrderStatus string

const (
	StatusOpen      OrderStatus = "Open"
	StatusClosed    OrderStatus = "Closed"
	StatusCancelled OrderStatus = "Cancelled"
)

// Source order paths.
const (
	OrderCancelPath      = "ts_cancel"
	OrderFundingPath     = "date_funding"
	OrderHistoryPath     = "history"
	HistoryStepPath      = "step.description"
	OrderCommissionsPath = "commissions"
	OrderCreditsPath     = "commission_credits"
	OrderPeoplePath      = "people"
)

var (
	cancelKeywords = []string{"cancel"}
	closedKeywords = []string{"clos", "fund", "record"}
	openKeywords   = []string{"open", "active", "reopen"}
)

// missingSequence sorts commission entries without a sequence last.
const missingSequence = math.MaxInt64

// coopRepPaths are checked in order on a resolved contact, first non empty wins.
var coopRepPaths = []string{"sales_rep", "individual.sales_rep", "company.sales_rep"}

type Rep struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (r Rep) IsZero() bool {
	return r.ID == ""
}

type CoopRep struct {
	Rep          Rep    `json:"rep"`
	CustomerName string `json:"customerName"`
}

// DerivedFields are computed for an order on every sync.
type DerivedFields struct {
	PrimaryRep   *Rep
	SecondaryRep *Rep
	CoopReps     []CoopRep
	Status       OrderStatus
}

// ContactLookup resolves a contact by source id.
type ContactLookup func(id string) (Source, bool)

// DeriveOrderFields computes all derived fields for an order.
func DeriveOrderFields(order Source, lookup ContactLookup) DerivedFields {
	primary, secondary := ExtractSalesReps(order)
	return DerivedFields{
		PrimaryRep:   primary,
		SecondaryRep: secondary,
		CoopReps:     ExtractCoopReps(order, CommissionRepIDs(order), lookup),
		Status:       DeriveStatus(order),
	}
}

// DeriveStatus rolls an order up to Open, Closed or Cancelled.
// A cancellation timestamp outranks a funding timestamp, and both outrank history.
func DeriveStatus(order Source) OrderStatus {
	if s, exists := order.StringForPath(OrderCancelPath); exists && s != "" {
		return StatusCancelled
	}
	if s, exists := order.StringForPath(OrderFundingPath); exists && s != "" {
		return StatusClosed
	}
	history := order.ArrayForPath(OrderHistoryPath)
	// history is chronological, scan from the most recent entry
	for i := len(history) - 1; i >= 0; i-- {
		description, _ := history[i].StringForPath(HistoryStepPath)
		if status, matched := classifyStep(description); matched {
			return status
		}
	}
	return StatusOpen
}

func classifyStep(description string) (OrderStatus, bool) {
	d := strings.ToLower(description)
	if d == "" {
		return "", false
	}
	if containsAny(d, cancelKeywords) {
		return StatusCancelled, true
	}
	if containsAny(d, closedKeywords) {
		return StatusClosed, true
	}
	if containsAny(d, openKeywords) {
		return StatusOpen, true
	}
	return "", false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if strings.Contains(s, k) {
			return true
		}
	}
	return false
}

type commissionEntry struct {
	rep      Rep
	credited bool
	sequence int64
}

// commissionEntries reads whichever of the two commission lists is non empty.
func commissionEntries(order Source) []commissionEntry {
	items := order.ArrayForPath(OrderCommissionsPath)
	if len(items) == 0 {
		items = order.ArrayForPath(OrderCreditsPath)
	}
	result := make([]commissionEntry, 0, len(items))
	for _, item := range items {
		e := commissionEntry{sequence: missingSequence}
		e.rep.ID, _ = item.StringForPath("rep_id")
		e.rep.Name, _ = item.StringForPath("rep_name")
		e.credited, _ = item.BoolForPath("credited")
		if seq, exists := item.IntForPath("sequence"); exists {
			e.sequence = seq
		}
		result = append(result, e)
	}
	return result
}

// ExtractSalesReps returns the primary and secondary rep of an order.
// Credited entries sort before non credited ones, then by ascending sequence.
func ExtractSalesReps(order Source) (primary *Rep, secondary *Rep) {
	entries := commissionEntries(order)
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].credited != entries[j].credited {
			return entries[i].credited
		}
		return entries[i].sequence < entries[j].sequence
	})
	if len(entries) > 0 {
		r := entries[0].rep
		primary = &r
	}
	if len(entries) > 1 {
		r := entries[1].rep
		secondary = &r
	}
	return primary, secondary
}

// CommissionRepIDs returns the rep ids of the whole commission list.
func CommissionRepIDs(order Source) map[string]bool {
	result := make(map[string]bool)
	for _, e := range commissionEntries(order) {
		if e.rep.ID != "" {
			result[e.rep.ID] = true
		}
	}
	return result
}

// ExtractCoopReps attributes a co-op rep for each person on the order whose
// contact carries a rep that is not already a commission rep.
func ExtractCoopReps(order Source, commissionRepIDs map[string]bool, lookup ContactLookup) []CoopRep {
	var result []CoopRep
	if lookup == nil {
		return result
	}
	for _, person := range order.ArrayForPath(OrderPeoplePath) {
		contactID, exists := person.StringForPath("contact_id")
		if !exists || contactID == "" {
			continue
		}
		contact, found := lookup(contactID)
		if !found {
			continue
		}
		rep := resolveRep(contact, coopRepPaths)
		if rep.IsZero() || commissionRepIDs[rep.ID] {
			continue
		}
		customerName, _ := person.StringForPath("name")
		if customerName == "" {
			customerName, _ = contact.StringForPath("name")
		}
		result = append(result, CoopRep{Rep: rep, CustomerName: customerName})
	}
	return result
}

// resolveRep returns the first rep with an id found on paths.
func resolveRep(contact Source, paths []string) Rep {
	for _, p := range paths {
		id, _ := contact.StringForPath(p + ".id")
		if id == "" {
			continue
		}
		name, _ := contact.StringForPath(p + ".name")
		return Rep{ID: id, Name: name}
	}
	return Rep{}
}

// NormalizeEmail returns the lowercased email, or false if it is malformed.
func NormalizeEmail(raw string) (string, bool) {
	email := strings.ToLower(strings.TrimSpace(raw))
	switch {
	case email == "":
		return "", false
	case strings.HasPrefix(email, "www."):
		return "", false
	case strings.Contains(email, "@@"):
		return "", false
	case strings.ContainsAny(email, " \t\r\n\f\v"):
		return "", false
	case strings.Count(email, "@") != 1:
		return "", false
	case strings.Contains(email, ".."):
		return "", false
	}
	return email, true
}

// PlaceholderEmail is a stable stand in for a rejected email.
func PlaceholderEmail(kind, sourceID, domain string) string {
	return fmt.Sprintf("%s%s@%s", kind, sourceID, domain)
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
}

func parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q", s)
}

// NormalizeDate returns unix milliseconds at UTC midnight of the calendar
// date written in raw. The time of day and zone are dropped, not converted.
func NormalizeDate(raw string) (int64, bool) {
	if strings.TrimSpace(raw) == "" {
		return 0, false
	}
	t, err := parseTimestamp(raw)
	if err != nil {
		return 0, false
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).UnixMilli(), true
}

// NormalizePhone formats a phone number as E.164. countryCode is the calling
// code used for numbers without an international prefix.
func NormalizePhone(raw string, countryCode int) (string, bool) {
	number := strings.TrimSpace(raw)
	if number == "" {
		return "", false
	}
	num, err := libphonenumber.Parse(number, libphonenumber.GetRegionCodeForCountryCode(countryCode))
	if err != nil {
		return "", false
	}
	return libphonenumber.Format(num, libphonenumber.E164), true
}
