/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import (
    "context"
    "fmt"
    "strconv"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/domain"
    "github.com/rs/zerolog"
)

// Tracker is the external issue-tracking API the engine reads and writes
// through. All calls are sequential and blocking; failures propagate and
// abort the current event with no rollback of earlier writes.
type Tracker interface {
    Issue(ctx context.Context, idOrKey string) (*domain.Issue, error)
    Status(ctx context.Context, statusID string) (*domain.Status, error)
    Transitions(ctx context.Context, idOrKey string) ([]domain.Transition, error)
    DoTransition(ctx context.Context, idOrKey, transitionID string) error
    UpdateFields(ctx context.Context, idOrKey string, fields map[string]any) error
    AddComment(ctx context.Context, idOrKey, comment string) error
    ChildIssues(ctx context.Context, parentKey string) ([]domain.Issue, error)
    CustomField(ctx context.Context, fieldID string) (*domain.CustomField, error)
    Sprint(ctx context.Context, sprintID int64) (*domain.Sprint, error)
}

// ConfigStore is the persistent configuration store. Absent records are not
// errors; they mean the dependent feature is disabled.
type ConfigStore interface {
    ProjectPreferences(ctx context.Context, projectID string) (domain.ProjectPreferences, error)
    PreferredStatuses(ctx context.Context, projectID, issueTypeID string) (domain.PreferredStatuses, error)
    DefaultPreferredStatuses(ctx context.Context) (domain.PreferredStatuses, error)
    PreferredDateFields(ctx context.Context) (*domain.PreferredDateFields, error)
    IsProjectSupported(ctx context.Context, projectID string) (bool, error)
}

type Service struct {
    log   zerolog.Logger
    store ConfigStore
    jira  Tracker
    now   func() time.Time
}

func New(log zerolog.Logger, store ConfigStore, jira Tracker) *Service {
    return &Service{log: log, store: store, jira: jira, now: time.Now}
}

func (s *Service) today() string { return s.now().UTC().Format(dayLayout) }

// eventContext caches configuration gathered while one event is processed so
// the pure rule functions never touch the store themselves. Events share no
// state; each handler owns its own context.
type eventContext struct {
    globalFields    *domain.DateFields
    globalLoaded    bool
    prefs           map[string]domain.ProjectPreferences
    fieldsByProject map[string]*domain.DateFields
    defaults        domain.PreferredStatuses
    defaultsLoaded  bool
}

func newEventContext() *eventContext {
    return &eventContext{
        prefs:           map[string]domain.ProjectPreferences{},
        fieldsByProject: map[string]*domain.DateFields{},
    }
}

// globalDateFields resolves the globally configured start/end date fields,
// including their display names. Returns nil (and caches the nil) when date
// updates are not fully configured or not enabled.
func (s *Service) globalDateFields(ctx context.Context, ec *eventContext) (*domain.DateFields, error) {
    if ec.globalLoaded { return ec.globalFields, nil }
    ec.globalLoaded = true

    stored, err := s.store.PreferredDateFields(ctx)
    if err != nil { return nil, err }
    if stored == nil {
        s.log.Debug().Msg("no preferred date fields configured")
        return nil, nil
    }
    if !stored.Enabled {
        s.log.Debug().Msg("updating start and end date fields is not enabled")
        return nil, nil
    }
    if stored.Start == "" || stored.End == "" {
        s.log.Debug().Str("start", stored.Start).Str("end", stored.End).Msg("both start and end date fields need to be configured")
        return nil, nil
    }
    fields, err := s.describeFields(ctx, stored.Start, stored.End)
    if err != nil { return nil, err }
    ec.globalFields = fields
    return fields, nil
}

func (s *Service) describeFields(ctx context.Context, startID, endID string) (*domain.DateFields, error) {
    start, err := s.jira.CustomField(ctx, startID)
    if err != nil { return nil, err }
    end, err := s.jira.CustomField(ctx, endID)
    if err != nil { return nil, err }
    if start == nil || end == nil {
        s.log.Debug().Str("start", startID).Str("end", endID).Msg("both start and end date fields need to exist")
        return nil, nil
    }
    return &domain.DateFields{
        StartFieldID:   start.ID,
        StartFieldName: start.Name,
        EndFieldID:     end.ID,
        EndFieldName:   end.Name,
    }, nil
}

func (s *Service) projectPrefs(ctx context.Context, ec *eventContext, projectID string) (domain.ProjectPreferences, error) {
    if prefs, ok := ec.prefs[projectID]; ok { return prefs, nil }
    prefs, err := s.store.ProjectPreferences(ctx, projectID)
    if err != nil { return prefs, err }
    ec.prefs[projectID] = prefs
    return prefs, nil
}

// dateFieldsFor returns the date fields effective for a project: the global
// pair, unless the project has date fields enabled with its own override ids
// (the sentinel "-1" keeps the global id).
func (s *Service) dateFieldsFor(ctx context.Context, ec *eventContext, projectID string) (*domain.DateFields, error) {
    if fields, ok := ec.fieldsByProject[projectID]; ok { return fields, nil }
    global, err := s.globalDateFields(ctx, ec)
    if err != nil { return nil, err }
    if global == nil {
        ec.fieldsByProject[projectID] = nil
        return nil, nil
    }
    prefs, err := s.projectPrefs(ctx, ec, projectID)
    if err != nil { return nil, err }
    startID, endID := global.StartFieldID, global.EndFieldID
    if prefs.DateFieldsEnabled {
        if prefs.StartFieldID != "" && prefs.StartFieldID != "-1" { startID = prefs.StartFieldID }
        if prefs.EndFieldID != "" && prefs.EndFieldID != "-1" { endID = prefs.EndFieldID }
    }
    fields := global
    if startID != global.StartFieldID || endID != global.EndFieldID {
        fields, err = s.describeFields(ctx, startID, endID)
        if err != nil { return nil, err }
    }
    ec.fieldsByProject[projectID] = fields
    return fields, nil
}

func (s *Service) defaultStatuses(ctx context.Context, ec *eventContext) (domain.PreferredStatuses, error) {
    if ec.defaultsLoaded { return ec.defaults, nil }
    defaults, err := s.store.DefaultPreferredStatuses(ctx)
    if err != nil { return nil, err }
    ec.defaults = defaults
    ec.defaultsLoaded = true
    return defaults, nil
}

// ProcessUpdate reacts to one issue-updated event. Irrelevant events are
// no-ops; missing configuration disables the dependent action; only tracker
// and store I/O failures are returned.
func (s *Service) ProcessUpdate(ctx context.Context, event domain.UpdateEvent) error {
    items := event.Changelog
    s.log.Info().Str("issue", event.IssueKey).Int("changes", len(items)).Msg("issue updated")

    ec := newEventContext()
    globalFields, err := s.globalDateFields(ctx, ec)
    if err != nil { return err }

    // A direct edit of a date field refreshes the parent's min/max dates
    // independently of the main dispatch.
    if StartOrEndFieldChanged(items, globalFields) {
        s.log.Info().Str("issue", event.IssueKey).Msg("start and/or end date fields changed")
        issue, err := s.jira.Issue(ctx, event.IssueID)
        if err != nil { return err }
        if issue.Parent != nil {
            parent, err := s.jira.Issue(ctx, issue.Parent.Key)
            if err != nil { return err }
            if err := s.setParentMinMaxDates(ctx, ec, parent); err != nil { return err }
        }
    }

    if !ShouldProcessUpdate(items) { return nil }

    issue, err := s.jira.Issue(ctx, event.IssueKey)
    if err != nil { return err }

    if sprintChange := SprintChange(items); sprintChange != nil {
        return s.handleSprintChange(ctx, ec, issue, sprintChange)
    }

    statusChange := StatusChange(items)
    if statusChange != nil {
        if err := s.handleStatusChange(ctx, ec, issue, statusChange); err != nil { return err }
    } else {
        s.log.Debug().Str("issue", issue.Key).Msg("no status transition")
    }

    if parentChange := ParentChange(items); parentChange != nil {
        if previous := changeEndpoint(parentChange.From, parentChange.FromString); previous != "" {
            s.log.Info().Str("issue", issue.Key).Str("parent", previous).Msg("updating previous parent")
            if err := s.refreshParentStatus(ctx, ec, previous, issue); err != nil { return err }
        }
        if next := changeEndpoint(parentChange.To, parentChange.ToString); next != "" {
            s.log.Info().Str("issue", issue.Key).Str("parent", next).Msg("updating new parent")
            if err := s.refreshParentStatus(ctx, ec, next, issue); err != nil { return err }
        }
        return nil
    }
    if statusChange != nil && issue.Parent != nil {
        s.log.Info().Str("issue", issue.Key).Str("parent", issue.Parent.Key).Msg("updating status of current parent")
        return s.refreshParentStatus(ctx, ec, issue.Parent.ID, issue)
    }
    return nil
}

func changeEndpoint(id, str string) string {
    if id != "" { return id }
    return str
}

// handleSprintChange terminates the event: sprint changes and re-parenting
// are mutually exclusive per event in this model, so only the existing
// parent's dates are refreshed and parent status re-evaluation never runs.
func (s *Service) handleSprintChange(ctx context.Context, ec *eventContext, issue *domain.Issue, change *domain.ChangelogItem) error {
    prefs, err := s.projectPrefs(ctx, ec, issue.Project.ID)
    if err != nil { return err }
    if !prefs.SprintDatesEnabled {
        s.log.Info().Str("issue", issue.Key).Msg("ignoring sprint assignment, sprint dates disabled for project")
        return nil
    }
    s.log.Info().Str("issue", issue.Key).Msg("handling sprint assignment")

    sprint := issue.Sprint
    if sprint == nil && change.To != "" {
        // the webhook can race the field update; fall back to the sprint id
        // from the changelog
        if id, convErr := strconv.ParseInt(change.To, 10, 64); convErr == nil {
            fetched, err := s.jira.Sprint(ctx, id)
            if err != nil {
                s.log.Error().Err(err).Str("issue", issue.Key).Int64("sprint", id).Msg("sprint not resolvable")
            } else {
                sprint = fetched
            }
        }
    }

    if sprint == nil {
        s.log.Info().Str("issue", issue.Key).Msg("no sprint assigned")
    } else if err := s.applySprintAssignmentDates(ctx, ec, issue, sprint); err != nil {
        return err
    }

    if issue.Parent != nil {
        parent, err := s.jira.Issue(ctx, issue.Parent.Key)
        if err != nil { return err }
        if err := s.setParentMinMaxDates(ctx, ec, parent); err != nil { return err }
    }
    return nil
}

func (s *Service) applySprintAssignmentDates(ctx context.Context, ec *eventContext, issue *domain.Issue, sprint *domain.Sprint) error {
    fields, err := s.dateFieldsFor(ctx, ec, issue.Project.ID)
    if err != nil || fields == nil { return err }
    dates, toSet := DatesForSprintAssignment(issue.Status.Category, sprint)
    var comment string
    switch toSet {
    case domain.SetBoth:
        comment = fmt.Sprintf("Setting '%s' and '%s' as a result of assigning a sprint", fields.StartFieldName, fields.EndFieldName)
    case domain.SetEnd:
        comment = fmt.Sprintf("Setting '%s' as a result of assigning a sprint", fields.EndFieldName)
    default:
        // sprint assignment never edits a completed issue's dates
        return nil
    }
    return s.updateDates(ctx, ec, issue, fields, dates, toSet, comment)
}

func (s *Service) handleStatusChange(ctx context.Context, ec *eventContext, issue *domain.Issue, change *domain.ChangelogItem) error {
    previous, err := s.jira.Status(ctx, change.From)
    if err != nil { return err }
    next, err := s.jira.Status(ctx, change.To)
    if err != nil { return err }
    s.log.Info().Str("issue", issue.Key).Str("from", previous.Name).Str("to", next.Name).Msg("issue transitioned")

    supported, err := s.store.IsProjectSupported(ctx, issue.Project.ID)
    if err != nil { return err }
    if !supported {
        s.log.Info().Str("issue", issue.Key).Str("project", issue.Project.ID).Msg("issue is in an unsupported project")
        return nil
    }
    return s.applyTransitionDates(ctx, ec, issue, previous.Category, next.Category)
}

// applyTransitionDates computes and writes the date changes implied by a
// status category movement of the supplied issue.
func (s *Service) applyTransitionDates(ctx context.Context, ec *eventContext, issue *domain.Issue, current, target domain.StatusCategory) error {
    fields, err := s.dateFieldsFor(ctx, ec, issue.Project.ID)
    if err != nil || fields == nil { return err }
    derived, err := s.derivedDates(ctx, ec, issue, fields)
    if err != nil { return err }
    dates, toSet := DatesForTransition(s.today(), current, target, derived)
    if toSet == domain.SetNone { return nil }
    comment := transitionComment(fields, current, target, toSet)
    return s.updateDates(ctx, ec, issue, fields, dates, toSet, comment)
}

// derivedDates resolves the fallback dates used by the transition table:
// child min/max values when the project inherits and shrinks to children,
// sprint dates otherwise, nothing when neither is available.
func (s *Service) derivedDates(ctx context.Context, ec *eventContext, issue *domain.Issue, fields *domain.DateFields) (domain.StartAndEnd, error) {
    prefs, err := s.projectPrefs(ctx, ec, issue.Project.ID)
    if err != nil { return domain.StartAndEnd{}, err }
    if prefs.ChildMinMaxDatesEnabled && prefs.ShrinkParentEnabled {
        children, err := s.jira.ChildIssues(ctx, issue.Key)
        if err != nil { return domain.StartAndEnd{}, err }
        if minMax := ComputeMinMaxChildDates(children, fields.StartFieldID, fields.EndFieldID); minMax != nil {
            return domain.StartAndEnd{Start: minMax.EarliestStart, End: minMax.LatestEnd}, nil
        }
    }
    return SprintDates(issue.Sprint), nil
}

func transitionComment(fields *domain.DateFields, current, target domain.StatusCategory, toSet domain.DatesToSet) string {
    verb := "Setting"
    if target == domain.CategoryToDo || (current == domain.CategoryDone && target == domain.CategoryInProgress) {
        verb = "Resetting"
    }
    names := fmt.Sprintf("'%s'", fields.EndFieldName)
    if toSet.IncludesStart() && toSet.IncludesEnd() {
        names = fmt.Sprintf("'%s' and '%s'", fields.StartFieldName, fields.EndFieldName)
    } else if toSet == domain.SetStart {
        names = fmt.Sprintf("'%s'", fields.StartFieldName)
    }
    return fmt.Sprintf("%s %s as a result of moving issue from a '%s' status to a '%s' status", verb, names, current, target)
}

// refreshParentStatus re-evaluates one parent: refresh its min/max dates when
// enabled, aggregate its children's status categories and transition it when
// the aggregate differs from its current category. A parent in a project not
// enabled for automation aborts this branch only.
func (s *Service) refreshParentStatus(ctx context.Context, ec *eventContext, parentIDOrKey string, trigger *domain.Issue) error {
    parent, err := s.jira.Issue(ctx, parentIDOrKey)
    if err != nil { return err }

    supported, err := s.store.IsProjectSupported(ctx, parent.Project.ID)
    if err != nil { return err }
    if !supported {
        s.log.Info().Str("parent", parent.Key).Str("project", parent.Project.ID).Msg("parent project is not supported")
        return nil
    }

    prefs, err := s.projectPrefs(ctx, ec, parent.Project.ID)
    if err != nil { return err }
    if prefs.ChildMinMaxDatesEnabled {
        if err := s.setParentMinMaxDates(ctx, ec, parent); err != nil { return err }
    }

    children, err := s.jira.ChildIssues(ctx, parent.Key)
    if err != nil { return err }
    categories := make([]domain.StatusCategory, 0, len(children))
    for i := range children { categories = append(categories, children[i].Status.Category) }

    target, ok := AggregateTargetCategory(parent.Status.Category, categories)
    if !ok { return nil }
    s.log.Info().Str("parent", parent.Key).Str("target", string(target)).Msg("updating parent to preferred status")

    comment := fmt.Sprintf("Updating status to configured '%s' status because %s. This was triggered by a change made to %s",
        target, aggregateReason(target), trigger.Key)
    transitioned, err := s.transitionWithComment(ctx, ec, parent, target, comment)
    if err != nil || !transitioned { return err }
    return s.applyTransitionDates(ctx, ec, parent, parent.Status.Category, target)
}

func aggregateReason(target domain.StatusCategory) string {
    switch target {
    case domain.CategoryDone:
        return "all child issues are complete"
    case domain.CategoryToDo:
        return "no child issues have been started"
    }
    return "some child issues are either in progress or done"
}

// transitionWithComment resolves the preferred status for the target category
// and performs a matching screen-less available transition. When the
// preference says not to transition (or nothing is configured) the issue is
// left alone; when a preference exists but no usable transition does, an
// explanatory comment is posted instead.
func (s *Service) transitionWithComment(ctx context.Context, ec *eventContext, issue *domain.Issue, target domain.StatusCategory, comment string) (bool, error) {
    specific, err := s.store.PreferredStatuses(ctx, issue.Project.ID, issue.IssueType.ID)
    if err != nil { return false, err }
    defaults, err := s.defaultStatuses(ctx, ec)
    if err != nil { return false, err }

    preferredID, ok := ResolvePreferredStatus(target, specific, defaults)
    if !ok {
        s.log.Info().Str("issue", issue.Key).Str("target", string(target)).Msg("no preferred status configured, leaving issue alone")
        return false, nil
    }

    transitions, err := s.jira.Transitions(ctx, issue.Key)
    if err != nil { return false, err }
    var match *domain.Transition
    for i := range transitions {
        t := &transitions[i]
        // a transition with a screen cannot be completed headlessly
        if t.To.ID == preferredID && t.IsAvailable && !t.HasScreen {
            match = t
            break
        }
    }
    if match == nil {
        s.log.Info().Str("issue", issue.Key).Str("status", preferredID).Msg("no available screen-less transition to preferred status")
        err := s.addComment(ctx, ec, issue.Project.ID, issue.Key,
            "The status of this issue is out of sync with it's child issues but it was not possible to update the issue automatically. Please check the status and manually update it as necessary")
        return false, err
    }

    if err := s.jira.DoTransition(ctx, issue.Key, match.ID); err != nil { return false, err }
    return true, s.addComment(ctx, ec, issue.Project.ID, issue.Key, comment)
}

// setParentMinMaxDates recomputes a parent's start/end dates from the min/max
// of its children, under the project's grow or shrink policy.
func (s *Service) setParentMinMaxDates(ctx context.Context, ec *eventContext, parent *domain.Issue) error {
    prefs, err := s.projectPrefs(ctx, ec, parent.Project.ID)
    if err != nil { return err }
    if !prefs.ChildMinMaxDatesEnabled {
        s.log.Debug().Str("parent", parent.Key).Msg("child date inheritance is not enabled for project")
        return nil
    }
    fields, err := s.dateFieldsFor(ctx, ec, parent.Project.ID)
    if err != nil || fields == nil { return err }

    children, err := s.jira.ChildIssues(ctx, parent.Key)
    if err != nil { return err }
    minMax := ComputeMinMaxChildDates(children, fields.StartFieldID, fields.EndFieldID)
    dates, toSet := ParentDatesToSet(prefs, minMax, parent.CustomValue(fields.StartFieldID), parent.CustomValue(fields.EndFieldID))
    if toSet == domain.SetNone { return nil }

    s.log.Info().Str("parent", parent.Key).Msg("updating start and end dates to match min/max of children")
    comment := fmt.Sprintf("Updating '%s' and '%s' to match the earliest start and latest end dates of child issues", fields.StartFieldName, fields.EndFieldName)
    return s.updateDates(ctx, ec, parent, fields, dates, toSet, comment)
}

// updateDates is the single apply step every date write routes through. It
// skips writes that would not change anything (at-least-once delivery makes
// replays common), warns when setting an end date in the past and leaves an
// audit comment explaining the change.
func (s *Service) updateDates(ctx context.Context, ec *eventContext, issue *domain.Issue, fields *domain.DateFields, dates domain.StartAndEnd, toSet domain.DatesToSet, comment string) error {
    if toSet == domain.SetNone { return nil }

    payload := map[string]any{}
    changed := false
    if toSet.IncludesStart() {
        payload[fields.StartFieldID] = fieldValue(dates.Start)
        changed = changed || !sameValue(issue.CustomValue(fields.StartFieldID), dates.Start)
    }
    if toSet.IncludesEnd() {
        payload[fields.EndFieldID] = fieldValue(dates.End)
        changed = changed || !sameValue(issue.CustomValue(fields.EndFieldID), dates.End)
    }
    if !changed {
        s.log.Debug().Str("issue", issue.Key).Msg("dates already match computed values, skipping write")
        return nil
    }

    if toSet.IncludesEnd() && dates.End != nil && dayBefore(*dates.End, s.today()) {
        s.log.Info().Str("issue", issue.Key).Str("end", *dates.End).Msg("computed end date is in the past")
        if err := s.addComment(ctx, ec, issue.Project.ID, issue.Key, "This issue is assigned to a sprint configured with an end date in the past!"); err != nil {
            return err
        }
    }

    if err := s.jira.UpdateFields(ctx, issue.Key, payload); err != nil { return err }
    return s.addComment(ctx, ec, issue.Project.ID, issue.Key, comment)
}

func fieldValue(v *string) any {
    if v == nil { return nil }
    return *v
}

func sameValue(a, b *string) bool {
    if a == nil || b == nil { return a == nil && b == nil }
    return *a == *b
}

// addComment posts a comment unless the project has comments disabled.
func (s *Service) addComment(ctx context.Context, ec *eventContext, projectID, issueIDOrKey, comment string) error {
    prefs, err := s.projectPrefs(ctx, ec, projectID)
    if err != nil { return err }
    if !prefs.CommentsOn() { return nil }
    return s.jira.AddComment(ctx, issueIDOrKey, comment)
}
