package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// SchemaVersion is written into every new session. Sessions with an older
// version are never valid: the urls/content hashes changed meaning in v2.
const SchemaVersion = 2

// Metadata hash fields.
const (
	FieldVersion            = "version"
	FieldHintID             = "hint_id"
	FieldURL                = "url"
	FieldTotalTasks         = "total_tasks"
	FieldCompleteTasks      = "complete_tasks"
	FieldFailedTasks        = "failed_tasks"
	FieldRejectedTasks      = "rejected_tasks"
	FieldCrawledContent     = "crawled_content"
	FieldEvaluatedContent   = "evaluated_content"
	FieldStatus             = "status"
	FieldLastReportedStatus = "last_reported_status"
	FieldSinceLastTagged    = "since_last_tagged"
	FieldLastPostponed      = "last_postponed"
	FieldTotalPostponed     = "total_postponed"
)

// baseFields must be present at every version. version itself is optional
// and reads as 0 when absent.
var baseFields = []string{
	FieldHintID,
	FieldURL,
	FieldTotalTasks,
	FieldCompleteTasks,
	FieldFailedTasks,
	FieldRejectedTasks,
	FieldCrawledContent,
	FieldEvaluatedContent,
	FieldStatus,
	FieldSinceLastTagged,
}

// postponeFields were introduced in version 1.
var postponeFields = []string{
	FieldLastPostponed,
	FieldTotalPostponed,
}

// RequiredFields lists the metadata fields a given schema version must carry.
func RequiredFields(version int) []string {
	fields := append([]string(nil), baseFields...)
	if version >= 1 {
		fields = append(fields, postponeFields...)
	}
	return fields
}

// Status is the session state machine value.
type Status int

// Session states. Both transitions are allowed through SetStatus.
const (
	StatusNormal  Status = 0
	StatusStopped Status = 1
)

func (s Status) String() string {
	switch s {
	case StatusNormal:
		return "NORMAL"
	case StatusStopped:
		return "STOPPED"
	default:
		return "Status(" + strconv.Itoa(int(s)) + ")"
	}
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	return s == StatusNormal || s == StatusStopped
}

// MarshalText renders the status name.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts a status name or its numeric value as text.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// UnmarshalJSON accepts a JSON string handled by UnmarshalText or a JSON
// number naming a known status.
func (s *Status) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		return s.UnmarshalText([]byte(text))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("status must be a name or number: %w", err)
	}
	parsed := Status(n)
	if !parsed.Valid() {
		return fmt.Errorf("unknown status %d", n)
	}
	*s = parsed
	return nil
}

// ParseStatus accepts "NORMAL"/"STOPPED" (any case) or "0"/"1".
func ParseStatus(raw string) (Status, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NORMAL", "0":
		return StatusNormal, nil
	case "STOPPED", "1":
		return StatusStopped, nil
	default:
		return 0, fmt.Errorf("unknown session status %q", raw)
	}
}

// Counter names a metadata counter that broadcasts on every increment.
type Counter string

// Broadcasting counters. The value doubles as the event payload.
const (
	CounterCompleteTasks    Counter = FieldCompleteTasks
	CounterFailedTasks      Counter = FieldFailedTasks
	CounterRejectedTasks    Counter = FieldRejectedTasks
	CounterCrawledContent   Counter = FieldCrawledContent
	CounterEvaluatedContent Counter = FieldEvaluatedContent
)

// ParseCounter validates a counter name.
func ParseCounter(raw string) (Counter, error) {
	switch c := Counter(raw); c {
	case CounterCompleteTasks, CounterFailedTasks, CounterRejectedTasks,
		CounterCrawledContent, CounterEvaluatedContent:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCounter, raw)
	}
}

// Meta is the decoded metadata hash. Fields introduced after version 0 and
// the externally owned reporting status are optional.
type Meta struct {
	Version          int    `json:"version"`
	HintID           string `json:"hint_id"`
	URL              string `json:"url"`
	TotalTasks       int64  `json:"total_tasks"`
	CompleteTasks    int64  `json:"complete_tasks"`
	FailedTasks      int64  `json:"failed_tasks"`
	RejectedTasks    int64  `json:"rejected_tasks"`
	CrawledContent   int64  `json:"crawled_content"`
	EvaluatedContent int64  `json:"evaluated_content"`
	Status           Status `json:"status"`
	SinceLastTagged  int64  `json:"since_last_tagged"`

	LastReportedStatus *int   `json:"last_reported_status,omitempty"`
	LastPostponed      *int64 `json:"last_postponed,omitempty"`
	TotalPostponed     *int64 `json:"total_postponed,omitempty"`
}

// Processed is complete+failed+rejected. It may transiently exceed
// TotalTasks because the counters are incremented independently.
func (m Meta) Processed() int64 {
	return m.CompleteTasks + m.FailedTasks + m.RejectedTasks
}

// initialMeta is the field set Create writes, excluding version.
func initialMeta(hintID, url string) map[string]string {
	return map[string]string{
		FieldHintID:           hintID,
		FieldURL:              url,
		FieldTotalTasks:       "0",
		FieldCompleteTasks:    "0",
		FieldFailedTasks:      "0",
		FieldRejectedTasks:    "0",
		FieldCrawledContent:   "0",
		FieldEvaluatedContent: "0",
		FieldStatus:           strconv.Itoa(int(StatusNormal)),
		FieldSinceLastTagged:  "0",
		FieldLastPostponed:    "0",
		FieldTotalPostponed:   "0",
	}
}

// DecodeMeta decodes a raw metadata hash. It fails with ErrSchemaMismatch if
// any field required by the declared version is absent and ErrInvalidMeta if
// a present field does not parse. It never returns partial data.
func DecodeMeta(raw map[string]string) (Meta, error) {
	version := 0
	if v, ok := raw[FieldVersion]; ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Meta{}, fmt.Errorf("%w: %s=%q", ErrInvalidMeta, FieldVersion, v)
		}
		version = n
	}
	if missing := missingFields(raw, RequiredFields(version)); len(missing) > 0 {
		return Meta{}, fmt.Errorf("%w: version %d missing %s", ErrSchemaMismatch, version, strings.Join(missing, ","))
	}

	d := decoder{raw: raw}
	m := Meta{
		Version:          version,
		HintID:           raw[FieldHintID],
		URL:              raw[FieldURL],
		TotalTasks:       d.int64(FieldTotalTasks),
		CompleteTasks:    d.int64(FieldCompleteTasks),
		FailedTasks:      d.int64(FieldFailedTasks),
		RejectedTasks:    d.int64(FieldRejectedTasks),
		CrawledContent:   d.int64(FieldCrawledContent),
		EvaluatedContent: d.int64(FieldEvaluatedContent),
		Status:           Status(d.int64(FieldStatus)),
		SinceLastTagged:  d.int64(FieldSinceLastTagged),
	}
	if _, ok := raw[FieldLastReportedStatus]; ok {
		v := int(d.int64(FieldLastReportedStatus))
		m.LastReportedStatus = &v
	}
	if version >= 1 {
		lastPostponed := d.int64(FieldLastPostponed)
		totalPostponed := d.int64(FieldTotalPostponed)
		m.LastPostponed = &lastPostponed
		m.TotalPostponed = &totalPostponed
	}
	if d.err != nil {
		return Meta{}, d.err
	}
	return m, nil
}

// ValidateMeta decodes raw and additionally requires the current schema
// version. It is the pure predicate behind Session.IsValid.
func ValidateMeta(raw map[string]string) (Meta, error) {
	m, err := DecodeMeta(raw)
	if err != nil {
		return Meta{}, err
	}
	if m.Version < SchemaVersion {
		return Meta{}, fmt.Errorf("%w: version %d older than %d", ErrSchemaMismatch, m.Version, SchemaVersion)
	}
	return m, nil
}

func missingFields(raw map[string]string, required []string) []string {
	var missing []string
	for _, f := range required {
		if _, ok := raw[f]; !ok {
			missing = append(missing, f)
		}
	}
	sort.Strings(missing)
	return missing
}

type decoder struct {
	raw map[string]string
	err error
}

func (d *decoder) int64(field string) int64 {
	if d.err != nil {
		return 0
	}
	v, err := strconv.ParseInt(d.raw[field], 10, 64)
	if err != nil {
		d.err = fmt.Errorf("%w: %s=%q", ErrInvalidMeta, field, d.raw[field])
		return 0
	}
	return v
}
