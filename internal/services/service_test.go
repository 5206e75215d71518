/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import (
    "context"
    "fmt"
    "strings"
    "testing"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/domain"
    "github.com/rs/zerolog"
)

const (
    startFieldID = "customfield_10015"
    endFieldID   = "customfield_10016"
)

type fakeTracker struct {
    issues      map[string]*domain.Issue
    statuses    map[string]*domain.Status
    transitions map[string][]domain.Transition
    children    map[string][]domain.Issue
    fields      map[string]*domain.CustomField
    sprints     map[int64]*domain.Sprint

    transitioned []string
    updates      map[string]map[string]any
    comments     map[string][]string
}

func newFakeTracker() *fakeTracker {
    return &fakeTracker{
        issues:      map[string]*domain.Issue{},
        statuses:    map[string]*domain.Status{},
        transitions: map[string][]domain.Transition{},
        children:    map[string][]domain.Issue{},
        fields:      map[string]*domain.CustomField{},
        sprints:     map[int64]*domain.Sprint{},
        updates:     map[string]map[string]any{},
        comments:    map[string][]string{},
    }
}

func (f *fakeTracker) addIssue(issue *domain.Issue) {
    f.issues[issue.ID] = issue
    f.issues[issue.Key] = issue
}

func (f *fakeTracker) Issue(ctx context.Context, idOrKey string) (*domain.Issue, error) {
    if issue, ok := f.issues[idOrKey]; ok { return issue, nil }
    return nil, fmt.Errorf("issue %q not found", idOrKey)
}

func (f *fakeTracker) Status(ctx context.Context, statusID string) (*domain.Status, error) {
    if status, ok := f.statuses[statusID]; ok { return status, nil }
    return nil, fmt.Errorf("status %q not found", statusID)
}

func (f *fakeTracker) Transitions(ctx context.Context, idOrKey string) ([]domain.Transition, error) {
    return f.transitions[idOrKey], nil
}

func (f *fakeTracker) DoTransition(ctx context.Context, idOrKey, transitionID string) error {
    f.transitioned = append(f.transitioned, idOrKey+":"+transitionID)
    return nil
}

func (f *fakeTracker) UpdateFields(ctx context.Context, idOrKey string, fields map[string]any) error {
    f.updates[idOrKey] = fields
    return nil
}

func (f *fakeTracker) AddComment(ctx context.Context, idOrKey, comment string) error {
    f.comments[idOrKey] = append(f.comments[idOrKey], comment)
    return nil
}

func (f *fakeTracker) ChildIssues(ctx context.Context, parentKey string) ([]domain.Issue, error) {
    return f.children[parentKey], nil
}

func (f *fakeTracker) CustomField(ctx context.Context, fieldID string) (*domain.CustomField, error) {
    return f.fields[fieldID], nil
}

func (f *fakeTracker) Sprint(ctx context.Context, sprintID int64) (*domain.Sprint, error) {
    if sprint, ok := f.sprints[sprintID]; ok { return sprint, nil }
    return nil, fmt.Errorf("sprint %d not found", sprintID)
}

type fakeStore struct {
    prefs      map[string]domain.ProjectPreferences
    statuses   map[string]domain.PreferredStatuses
    defaults   domain.PreferredStatuses
    dateFields *domain.PreferredDateFields
    supported  map[string]bool
}

func newFakeStore() *fakeStore {
    return &fakeStore{
        prefs:     map[string]domain.ProjectPreferences{},
        statuses:  map[string]domain.PreferredStatuses{},
        supported: map[string]bool{},
    }
}

func (f *fakeStore) ProjectPreferences(ctx context.Context, projectID string) (domain.ProjectPreferences, error) {
    return f.prefs[projectID], nil
}

func (f *fakeStore) PreferredStatuses(ctx context.Context, projectID, issueTypeID string) (domain.PreferredStatuses, error) {
    return f.statuses[projectID+"/"+issueTypeID], nil
}

func (f *fakeStore) DefaultPreferredStatuses(ctx context.Context) (domain.PreferredStatuses, error) {
    return f.defaults, nil
}

func (f *fakeStore) PreferredDateFields(ctx context.Context) (*domain.PreferredDateFields, error) {
    return f.dateFields, nil
}

func (f *fakeStore) IsProjectSupported(ctx context.Context, projectID string) (bool, error) {
    return f.supported[projectID], nil
}

func newTestService(tracker *fakeTracker, store *fakeStore) *Service {
    s := New(zerolog.Nop(), store, tracker)
    s.now = func() time.Time { return time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC) }
    return s
}

// demoWorld is one supported project with an epic and two tickets under it,
// configured date fields and a default preferred status per category.
func demoWorld() (*fakeTracker, *fakeStore) {
    tracker := newFakeTracker()
    store := newFakeStore()

    store.dateFields = &domain.PreferredDateFields{Enabled: true, Start: startFieldID, End: endFieldID}
    tracker.fields[startFieldID] = &domain.CustomField{ID: startFieldID, Name: "Start date"}
    tracker.fields[endFieldID] = &domain.CustomField{ID: endFieldID, Name: "Due date"}

    tracker.statuses["10000"] = &domain.Status{ID: "10000", Name: "To Do", Category: domain.CategoryToDo}
    tracker.statuses["3"] = &domain.Status{ID: "3", Name: "In Progress", Category: domain.CategoryInProgress}
    tracker.statuses["10002"] = &domain.Status{ID: "10002", Name: "Done", Category: domain.CategoryDone}

    store.supported["10000"] = true
    store.prefs["10000"] = domain.ProjectPreferences{ChildMinMaxDatesEnabled: true}
    store.defaults = domain.PreferredStatuses{
        domain.CategoryToDo:       {Kind: domain.PreferredStatusID, ID: "10000"},
        domain.CategoryInProgress: {Kind: domain.PreferredStatusID, ID: "3"},
        domain.CategoryDone:       {Kind: domain.PreferredStatusID, ID: "10002"},
    }

    project := domain.Project{ID: "10000", Key: "DEMO", Name: "Demo"}
    epic := &domain.Issue{
        ID: "100", Key: "EPIC-1", Project: project,
        IssueType: domain.IssueType{ID: "10001", Name: "Epic"},
        Status:    *tracker.statuses["10000"],
    }
    done := &domain.Issue{
        ID: "200", Key: "TKT-2", Project: project,
        IssueType: domain.IssueType{ID: "10002", Name: "Task"},
        Status:    *tracker.statuses["10002"],
        Parent:    &domain.IssueRef{ID: "100", Key: "EPIC-1"},
    }
    todo := &domain.Issue{
        ID: "300", Key: "TKT-3", Project: project,
        IssueType: domain.IssueType{ID: "10002", Name: "Task"},
        Status:    *tracker.statuses["10000"],
        Parent:    &domain.IssueRef{ID: "100", Key: "EPIC-1"},
    }
    tracker.addIssue(epic)
    tracker.addIssue(done)
    tracker.addIssue(todo)
    tracker.children["EPIC-1"] = []domain.Issue{*done, *todo}

    tracker.transitions["EPIC-1"] = []domain.Transition{
        {ID: "11", Name: "To Do", To: *tracker.statuses["10000"], IsAvailable: true},
        {ID: "31", Name: "In Progress", To: *tracker.statuses["3"], IsAvailable: true},
        {ID: "41", Name: "Done", To: *tracker.statuses["10002"], IsAvailable: true},
    }
    return tracker, store
}

func statusDoneEvent() domain.UpdateEvent {
    return domain.UpdateEvent{
        IssueID:  "200",
        IssueKey: "TKT-2",
        Changelog: []domain.ChangelogItem{
            {Field: "status", FieldID: "status", From: "10000", FromString: "To Do", To: "10002", ToString: "Done"},
        },
    }
}

func TestProcessUpdate_ChildDoneStartsParent(t *testing.T) {
    tracker, store := demoWorld()
    s := newTestService(tracker, store)

    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 1 || tracker.transitioned[0] != "EPIC-1:31" {
        t.Fatalf("expected a single transition of the parent to In Progress, got %v", tracker.transitioned)
    }

    child := tracker.updates["TKT-2"]
    if child == nil { t.Fatalf("expected date writes on the finished child") }
    if child[startFieldID] != "2024-05-10" || child[endFieldID] != "2024-05-10" {
        t.Fatalf("finished child should be stamped with today, got %v", child)
    }

    parent := tracker.updates["EPIC-1"]
    if parent == nil { t.Fatalf("expected date writes on the parent") }
    if parent[startFieldID] != "2024-05-10" {
        t.Fatalf("started parent should get today's start date, got %v", parent)
    }
    if _, ok := parent[endFieldID]; ok {
        t.Fatalf("starting a parent with no derived end must not touch its end date, got %v", parent)
    }

    var found bool
    for _, c := range tracker.comments["EPIC-1"] {
        if strings.Contains(c, "some child issues are either in progress or done") { found = true }
    }
    if !found {
        t.Fatalf("expected an explanatory comment on the parent, got %v", tracker.comments["EPIC-1"])
    }
}

func TestProcessUpdate_RedeliveryIsIdempotent(t *testing.T) {
    tracker, store := demoWorld()
    s := newTestService(tracker, store)

    // state after the first delivery already landed
    epic := tracker.issues["EPIC-1"]
    epic.Status = *tracker.statuses["3"]
    epic.Custom = map[string]*string{startFieldID: strptr("2024-05-10")}
    done := tracker.issues["TKT-2"]
    done.Custom = map[string]*string{startFieldID: strptr("2024-05-10"), endFieldID: strptr("2024-05-10")}

    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 0 {
        t.Fatalf("redelivery must not transition again, got %v", tracker.transitioned)
    }
    if len(tracker.updates) != 0 {
        t.Fatalf("redelivery must not write dates again, got %v", tracker.updates)
    }
    if len(tracker.comments) != 0 {
        t.Fatalf("redelivery must not comment again, got %v", tracker.comments)
    }
}

func TestProcessUpdate_SprintChangeSkipsParentStatusRefresh(t *testing.T) {
    tracker, store := demoWorld()
    store.prefs["10000"] = domain.ProjectPreferences{SprintDatesEnabled: true}

    sprint := &domain.Sprint{
        ID: 127, Name: "Sprint 7", State: domain.SprintActive,
        StartDate: "2024-05-06T09:00:00.000Z", EndDate: "2024-05-17T09:00:00.000Z",
    }
    tracker.issues["TKT-3"].Sprint = sprint

    s := newTestService(tracker, store)
    event := domain.UpdateEvent{
        IssueID:  "300",
        IssueKey: "TKT-3",
        Changelog: []domain.ChangelogItem{
            {Field: "Sprint", FieldID: "customfield_10020", To: "127", ToString: "Sprint 7"},
            {Field: "status", FieldID: "status", From: "10000", To: "3"},
        },
    }
    if err := s.ProcessUpdate(context.Background(), event); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 0 {
        t.Fatalf("a sprint change event must not re-evaluate parent status, got %v", tracker.transitioned)
    }
    update := tracker.updates["TKT-3"]
    if update == nil { t.Fatalf("expected sprint dates on the assigned issue") }
    if update[startFieldID] != "2024-05-06" || update[endFieldID] != "2024-05-17" {
        t.Fatalf("to-do issue should take both sprint dates, got %v", update)
    }
    if _, ok := tracker.updates["EPIC-1"]; ok {
        t.Fatalf("parent dates must not change when inheritance is disabled")
    }
}

func TestProcessUpdate_ReparentingRefreshesBothParents(t *testing.T) {
    tracker, store := demoWorld()

    project := tracker.issues["EPIC-1"].Project
    oldParent := &domain.Issue{
        ID: "400", Key: "EPIC-OLD", Project: project,
        IssueType: domain.IssueType{ID: "10001", Name: "Epic"},
        Status:    *tracker.statuses["3"],
    }
    newParent := &domain.Issue{
        ID: "500", Key: "EPIC-NEW", Project: project,
        IssueType: domain.IssueType{ID: "10001", Name: "Epic"},
        Status:    *tracker.statuses["3"],
    }
    tracker.addIssue(oldParent)
    tracker.addIssue(newParent)
    tracker.children["EPIC-OLD"] = nil
    tracker.children["EPIC-NEW"] = []domain.Issue{*tracker.issues["TKT-2"]}
    tracker.transitions["EPIC-OLD"] = []domain.Transition{
        {ID: "11", Name: "To Do", To: *tracker.statuses["10000"], IsAvailable: true},
    }
    tracker.transitions["EPIC-NEW"] = []domain.Transition{
        {ID: "41", Name: "Done", To: *tracker.statuses["10002"], IsAvailable: true},
    }

    s := newTestService(tracker, store)
    event := domain.UpdateEvent{
        IssueID:  "200",
        IssueKey: "TKT-2",
        Changelog: []domain.ChangelogItem{
            {Field: "Epic Link", FieldID: "customfield_10014", From: "400", FromString: "EPIC-OLD", To: "500", ToString: "EPIC-NEW"},
        },
    }
    if err := s.ProcessUpdate(context.Background(), event); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    want := []string{"EPIC-OLD:11", "EPIC-NEW:41"}
    if len(tracker.transitioned) != 2 || tracker.transitioned[0] != want[0] || tracker.transitioned[1] != want[1] {
        t.Fatalf("expected both parent endpoints re-evaluated in order %v, got %v", want, tracker.transitioned)
    }
    if _, ok := tracker.updates["EPIC-1"]; ok {
        t.Fatalf("a re-parenting event must not refresh the issue's recorded parent")
    }
}

func TestProcessUpdate_SprintResolvedFromChangelog(t *testing.T) {
    tracker, store := demoWorld()
    store.prefs["10000"] = domain.ProjectPreferences{SprintDatesEnabled: true}
    tracker.sprints[127] = &domain.Sprint{
        ID: 127, State: domain.SprintActive,
        StartDate: "2024-05-06T09:00:00.000Z", EndDate: "2024-05-17T09:00:00.000Z",
    }

    s := newTestService(tracker, store)
    event := domain.UpdateEvent{
        IssueID:  "300",
        IssueKey: "TKT-3",
        Changelog: []domain.ChangelogItem{
            {Field: "Sprint", FieldID: "customfield_10020", To: "127"},
        },
    }
    if err := s.ProcessUpdate(context.Background(), event); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    update := tracker.updates["TKT-3"]
    if update == nil || update[endFieldID] != "2024-05-17" {
        t.Fatalf("sprint should be fetched by the changelog id when the field lags, got %v", update)
    }
}

func TestProcessUpdate_UnsupportedParentProjectLeftAlone(t *testing.T) {
    tracker, store := demoWorld()

    other := domain.Project{ID: "20000", Key: "OTHER"}
    epic := tracker.issues["EPIC-1"]
    epic.Project = other

    s := newTestService(tracker, store)
    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 0 {
        t.Fatalf("an unsupported parent project must never be transitioned, got %v", tracker.transitioned)
    }
    if _, ok := tracker.updates["EPIC-1"]; ok {
        t.Fatalf("an unsupported parent project must never have dates written")
    }
    if tracker.updates["TKT-2"] == nil {
        t.Fatalf("the supported child should still get its transition dates")
    }
}

func TestProcessUpdate_ScreenedTransitionFallsBackToComment(t *testing.T) {
    tracker, store := demoWorld()
    tracker.transitions["EPIC-1"] = []domain.Transition{
        {ID: "31", Name: "In Progress", To: *tracker.statuses["3"], IsAvailable: true, HasScreen: true},
    }

    s := newTestService(tracker, store)
    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 0 {
        t.Fatalf("a screened transition cannot be completed headlessly, got %v", tracker.transitioned)
    }
    var found bool
    for _, c := range tracker.comments["EPIC-1"] {
        if strings.Contains(c, "not possible to update the issue automatically") { found = true }
    }
    if !found {
        t.Fatalf("expected an out-of-sync comment on the parent, got %v", tracker.comments["EPIC-1"])
    }
    if _, ok := tracker.updates["EPIC-1"]; ok {
        t.Fatalf("a parent that did not transition must not get transition dates")
    }
}

func TestProcessUpdate_NoPreferredStatusLeavesParentAlone(t *testing.T) {
    tracker, store := demoWorld()
    store.defaults = nil

    s := newTestService(tracker, store)
    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if len(tracker.transitioned) != 0 {
        t.Fatalf("no preferred status means no transition, got %v", tracker.transitioned)
    }
    if len(tracker.comments["EPIC-1"]) != 0 {
        t.Fatalf("missing configuration should be silent, got %v", tracker.comments["EPIC-1"])
    }
}

func TestProcessUpdate_DateFieldEditRefreshesParentMinMax(t *testing.T) {
    tracker, store := demoWorld()

    epic := tracker.issues["EPIC-1"]
    epic.Custom = map[string]*string{endFieldID: strptr("2024-05-20")}
    tracker.children["EPIC-1"] = []domain.Issue{
        {
            Key: "TKT-3", Project: epic.Project,
            Status: *tracker.statuses["10000"],
            Custom: map[string]*string{startFieldID: strptr("2024-05-01"), endFieldID: strptr("2024-05-10")},
        },
    }

    s := newTestService(tracker, store)
    event := domain.UpdateEvent{
        IssueID:  "300",
        IssueKey: "TKT-3",
        Changelog: []domain.ChangelogItem{
            {Field: "Start date", FieldID: startFieldID, ToString: "2024-05-01"},
        },
    }
    if err := s.ProcessUpdate(context.Background(), event); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    update := tracker.updates["EPIC-1"]
    if update == nil { t.Fatalf("expected a min/max refresh of the parent") }
    if update[startFieldID] != "2024-05-01" {
        t.Fatalf("parent should inherit the earliest child start, got %v", update)
    }
    if _, ok := update[endFieldID]; ok {
        t.Fatalf("incomplete children must not pull the parent's end date in, got %v", update)
    }
}

func TestProcessUpdate_ProjectDateFieldOverride(t *testing.T) {
    tracker, store := demoWorld()

    const overrideEndID = "customfield_20099"
    tracker.fields[overrideEndID] = &domain.CustomField{ID: overrideEndID, Name: "Target date"}
    // "-1" keeps the global start field, the end field is project-specific
    store.prefs["10000"] = domain.ProjectPreferences{
        DateFieldsEnabled: true,
        StartFieldID:      "-1",
        EndFieldID:        overrideEndID,
    }

    s := newTestService(tracker, store)
    if err := s.ProcessUpdate(context.Background(), statusDoneEvent()); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    update := tracker.updates["TKT-2"]
    if update == nil { t.Fatalf("expected date writes on the finished child") }
    if update[startFieldID] != "2024-05-10" {
        t.Fatalf("a \"-1\" override must keep the global start field, got %v", update)
    }
    if update[overrideEndID] != "2024-05-10" {
        t.Fatalf("the project's end field should be written instead of the global one, got %v", update)
    }
    if _, ok := update[endFieldID]; ok {
        t.Fatalf("the global end field must not be written when overridden, got %v", update)
    }
}

func TestProcessUpdate_CommentsDisabled(t *testing.T) {
    tracker, store := demoWorld()
    off := false
    store.prefs["10000"] = domain.ProjectPreferences{CommentsEnabled: &off, SprintDatesEnabled: true}

    sprint := &domain.Sprint{
        ID: 127, State: domain.SprintActive,
        StartDate: "2024-05-06T09:00:00.000Z", EndDate: "2024-05-17T09:00:00.000Z",
    }
    tracker.issues["TKT-3"].Sprint = sprint

    s := newTestService(tracker, store)
    event := domain.UpdateEvent{
        IssueID:  "300",
        IssueKey: "TKT-3",
        Changelog: []domain.ChangelogItem{
            {Field: "Sprint", FieldID: "customfield_10020", To: "127"},
        },
    }
    if err := s.ProcessUpdate(context.Background(), event); err != nil {
        t.Fatalf("ProcessUpdate: %v", err)
    }

    if tracker.updates["TKT-3"] == nil {
        t.Fatalf("disabling comments must not disable date writes")
    }
    if len(tracker.comments) != 0 {
        t.Fatalf("comments are disabled for the project, got %v", tracker.comments)
    }
}
