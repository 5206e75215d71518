package domain

// StatusCategory is one of the three coarse buckets every Jira status maps to.
type StatusCategory string

const (
    CategoryToDo       StatusCategory = "To Do"
    CategoryInProgress StatusCategory = "In Progress"
    CategoryDone       StatusCategory = "Done"
)

type Project struct {
    ID   string
    Key  string
    Name string
}

type IssueType struct {
    ID   string
    Name string
}

type Status struct {
    ID       string
    Name     string
    Category StatusCategory
}

// IssueRef is the parent reference embedded in an issue payload.
type IssueRef struct {
    ID  string
    Key string
}

// Issue carries the subset of Jira issue fields the engine reads. Custom holds
// string-valued custom fields keyed by field id (date fields are date strings,
// a nil value means the field is present but unset).
type Issue struct {
    ID        string
    Key       string
    Summary   string
    Project   Project
    IssueType IssueType
    Status    Status
    Parent    *IssueRef
    Sprint    *Sprint
    Custom    map[string]*string
}

// CustomValue returns the issue's value for the supplied custom field id, or
// nil when the field is absent or unset.
func (i *Issue) CustomValue(fieldID string) *string {
    if i.Custom == nil { return nil }
    return i.Custom[fieldID]
}

type SprintState string

const (
    SprintFuture SprintState = "future"
    SprintActive SprintState = "active"
    SprintClosed SprintState = "closed"
)

type Sprint struct {
    ID           int64
    Name         string
    State        SprintState
    StartDate    string
    EndDate      string
    CompleteDate string
}

// Transition is one entry of an issue's available workflow transitions.
type Transition struct {
    ID          string
    Name        string
    To          Status
    IsAvailable bool
    HasScreen   bool
}

// ChangelogItem is a single field delta from an issue-updated event. Jira
// sends null for absent values; those decode to empty strings here.
type ChangelogItem struct {
    Field      string `json:"field"`
    FieldID    string `json:"fieldId"`
    From       string `json:"from"`
    FromString string `json:"fromString"`
    To         string `json:"to"`
    ToString   string `json:"toString"`
}

// UpdateEvent is the trigger input: one changelog bound to one issue.
type UpdateEvent struct {
    IssueID   string
    IssueKey  string
    Changelog []ChangelogItem
}

// ProjectPreferences is per-project configuration. A missing record means all
// defaults: comments on, everything else off.
type ProjectPreferences struct {
    CommentsEnabled         *bool  `json:"commentsEnabled,omitempty"`
    SprintDatesEnabled      bool   `json:"sprintDatesEnabled,omitempty"`
    ChildMinMaxDatesEnabled bool   `json:"childMinMaxDatesEnabled,omitempty"`
    ShrinkParentEnabled     bool   `json:"shrinkParentEnabled,omitempty"`
    DateFieldsEnabled       bool   `json:"dateFieldsEnabled,omitempty"`
    StartFieldID            string `json:"startFieldId,omitempty"`
    EndFieldID              string `json:"endFieldId,omitempty"`
}

// CommentsOn reports whether comments should be posted for the project.
// Comments are on unless the preference is explicitly false.
func (p ProjectPreferences) CommentsOn() bool {
    return p.CommentsEnabled == nil || *p.CommentsEnabled
}

// PreferredStatusKind distinguishes a concrete configured status from the two
// sentinel configurations. The stored form uses "-1" (never transition) and
// "-2" (fall back to the global default); those decode into tagged values
// when configuration is loaded so the engine never compares magic strings.
type PreferredStatusKind int

const (
    PreferredStatusID PreferredStatusKind = iota
    PreferredNoTransition
    PreferredUseDefault
)

type PreferredStatus struct {
    Kind PreferredStatusKind
    ID   string
}

// PreferredStatuses maps a status category to the status automation should
// transition an issue of that category to.
type PreferredStatuses map[StatusCategory]PreferredStatus

// DecodePreferredStatuses converts the stored category -> status id mapping
// into tagged values.
func DecodePreferredStatuses(raw map[string]string) PreferredStatuses {
    if raw == nil { return nil }
    out := make(PreferredStatuses, len(raw))
    for category, id := range raw {
        ps := PreferredStatus{Kind: PreferredStatusID, ID: id}
        switch id {
        case "-1":
            ps = PreferredStatus{Kind: PreferredNoTransition}
        case "-2":
            ps = PreferredStatus{Kind: PreferredUseDefault}
        }
        out[StatusCategory(category)] = ps
    }
    return out
}

// PreferredDateFields is the stored global start/end field configuration.
type PreferredDateFields struct {
    Enabled bool   `json:"enabled,omitempty"`
    Start   string `json:"START,omitempty"`
    End     string `json:"END,omitempty"`
}

// DateFields is the resolved pair of custom date fields, with display names
// for use in comments.
type DateFields struct {
    StartFieldID   string
    StartFieldName string
    EndFieldID     string
    EndFieldName   string
}

type CustomField struct {
    ID   string
    Name string
}

type SupportedProject struct {
    ID          string `json:"id"`
    IsSupported bool   `json:"isSupported"`
}

type SupportedProjects map[string]SupportedProject

// StartAndEnd is a pair of computed date values. A nil entry means "no date
// available" (which clears the field when written).
type StartAndEnd struct {
    Start *string
    End   *string
}

// DatesToSet selects which of an issue's date fields a computed result should
// write.
type DatesToSet int

const (
    SetNone DatesToSet = iota
    SetStart
    SetEnd
    SetBoth
)

func (d DatesToSet) IncludesStart() bool { return d == SetStart || d == SetBoth }
func (d DatesToSet) IncludesEnd() bool   { return d == SetEnd || d == SetBoth }

// MinMaxChildDates is the derived earliest start / latest end over a parent's
// children, plus whether any child is not yet done.
type MinMaxChildDates struct {
    EarliestStart         *string
    LatestEnd             *string
    HasIncompleteChildren bool
}
