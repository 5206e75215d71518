/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import (
    "strings"
    "time"

    "github.com/atlassian-labs/issue-status-helper/internal/domain"
)

const dayLayout = "2006-01-02"

// parseDay parses the calendar-date prefix of a Jira date or datetime string.
func parseDay(s string) (time.Time, bool) {
    if len(s) > len(dayLayout) { s = s[:len(dayLayout)] }
    t, err := time.Parse(dayLayout, s)
    if err != nil { return time.Time{}, false }
    return t, true
}

// dayBefore compares two date strings by calendar date, not wall time.
// Unparseable input compares false.
func dayBefore(a, b string) bool {
    da, okA := parseDay(a)
    db, okB := parseDay(b)
    if !okA || !okB { return false }
    return da.Before(db)
}

func dateOnly(s string) *string {
    if s == "" { return nil }
    d, _, _ := strings.Cut(s, "T")
    return &d
}

// SprintDates derives start and end dates from a sprint. A closed sprint uses
// its complete date rather than its planned end date, because closing may
// happen later than planned. Missing dates yield nil values.
func SprintDates(sprint *domain.Sprint) domain.StartAndEnd {
    if sprint == nil { return domain.StartAndEnd{} }
    if sprint.State == domain.SprintClosed && sprint.StartDate != "" && sprint.CompleteDate != "" {
        return domain.StartAndEnd{Start: dateOnly(sprint.StartDate), End: dateOnly(sprint.CompleteDate)}
    }
    if sprint.StartDate != "" && sprint.EndDate != "" {
        return domain.StartAndEnd{Start: dateOnly(sprint.StartDate), End: dateOnly(sprint.EndDate)}
    }
    return domain.StartAndEnd{}
}

// DatesForSprintAssignment computes the dates to write when a sprint is
// assigned. A to-do issue takes both sprint dates, an in-progress issue only
// the end date (its start is assumed already set), and a done issue is never
// touched by sprint assignment.
func DatesForSprintAssignment(category domain.StatusCategory, sprint *domain.Sprint) (domain.StartAndEnd, domain.DatesToSet) {
    dates := SprintDates(sprint)
    switch category {
    case domain.CategoryToDo:
        return dates, domain.SetBoth
    case domain.CategoryInProgress:
        return dates, domain.SetEnd
    }
    return domain.StartAndEnd{}, domain.SetNone
}

// transitionKey indexes the date policy table by status category movement.
type transitionKey struct {
    from domain.StatusCategory
    to   domain.StatusCategory
}

type transitionDatePolicy func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet)

// endOrToday prefers today over a derived end date that is already past.
func endOrToday(today string, derived *string) *string {
    if derived != nil && !dayBefore(*derived, today) { return derived }
    t := today
    return &t
}

// transitionDates is the fixed policy table over the six category movements
// that change dates. Derived values come from child min/max dates or sprint
// dates, resolved by the caller; nil derived entries clear fields where the
// policy resets them.
var transitionDates = map[transitionKey]transitionDatePolicy{
    {domain.CategoryToDo, domain.CategoryInProgress}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        t := today
        if derived.End == nil {
            return domain.StartAndEnd{Start: &t}, domain.SetStart
        }
        return domain.StartAndEnd{Start: &t, End: derived.End}, domain.SetBoth
    },
    {domain.CategoryToDo, domain.CategoryDone}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        t := today
        return domain.StartAndEnd{Start: &t, End: endOrToday(today, derived.End)}, domain.SetBoth
    },
    {domain.CategoryInProgress, domain.CategoryToDo}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        // moving back to to-do clears manual progress
        return derived, domain.SetBoth
    },
    {domain.CategoryInProgress, domain.CategoryDone}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        return domain.StartAndEnd{End: endOrToday(today, derived.End)}, domain.SetEnd
    },
    {domain.CategoryDone, domain.CategoryToDo}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        return derived, domain.SetBoth
    },
    {domain.CategoryDone, domain.CategoryInProgress}: func(today string, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
        return domain.StartAndEnd{End: derived.End}, domain.SetEnd
    },
}

// DatesForTransition computes the dates to write for a status category
// movement. Movements within the same category are no-ops.
func DatesForTransition(today string, current, target domain.StatusCategory, derived domain.StartAndEnd) (domain.StartAndEnd, domain.DatesToSet) {
    policy, ok := transitionDates[transitionKey{current, target}]
    if !ok { return domain.StartAndEnd{}, domain.SetNone }
    return policy(today, derived)
}

// ComputeMinMaxChildDates scans a parent's children for the earliest start
// and latest end values of the configured date fields, comparing by calendar
// date. Returns nil when there are no children.
func ComputeMinMaxChildDates(children []domain.Issue, startFieldID, endFieldID string) *domain.MinMaxChildDates {
    if len(children) == 0 { return nil }
    minMax := &domain.MinMaxChildDates{}
    for i := range children {
        child := &children[i]
        if child.Status.Category != domain.CategoryDone { minMax.HasIncompleteChildren = true }
        if start := child.CustomValue(startFieldID); start != nil {
            if minMax.EarliestStart == nil || dayBefore(*start, *minMax.EarliestStart) {
                minMax.EarliestStart = start
            }
        }
        if end := child.CustomValue(endFieldID); end != nil {
            if minMax.LatestEnd == nil || dayBefore(*minMax.LatestEnd, *end) {
                minMax.LatestEnd = end
            }
        }
    }
    return minMax
}

// ParentDatesToSet decides which of a parent's dates to write from its
// children's min/max values.
//
// Grow (child inheritance on, shrink off): the parent's end date may only
// move later while children are incomplete. A min/max end that would shrink
// an already-set end date suppresses the end write. Missing min/max values
// are never written.
//
// Shrink (both on): the parent mirrors the children exactly, including
// clearing a date no child backs any more.
//
// When neither a min nor a max exists no write occurs under either policy.
func ParentDatesToSet(prefs domain.ProjectPreferences, minMax *domain.MinMaxChildDates, currentStart, currentEnd *string) (domain.StartAndEnd, domain.DatesToSet) {
    if !prefs.ChildMinMaxDatesEnabled || minMax == nil {
        return domain.StartAndEnd{}, domain.SetNone
    }
    if minMax.EarliestStart == nil && minMax.LatestEnd == nil {
        return domain.StartAndEnd{}, domain.SetNone
    }

    if prefs.ShrinkParentEnabled {
        setStart := minMax.EarliestStart != nil || currentStart != nil
        setEnd := minMax.LatestEnd != nil || currentEnd != nil
        return domain.StartAndEnd{Start: minMax.EarliestStart, End: minMax.LatestEnd}, toSet(setStart, setEnd)
    }

    setStart := minMax.EarliestStart != nil
    setEnd := minMax.LatestEnd != nil
    if setEnd && minMax.HasIncompleteChildren && currentEnd != nil && dayBefore(*minMax.LatestEnd, *currentEnd) {
        // incomplete children must not pull a parent's end date earlier
        setEnd = false
    }
    dates := domain.StartAndEnd{}
    if setStart { dates.Start = minMax.EarliestStart }
    if setEnd { dates.End = minMax.LatestEnd }
    return dates, toSet(setStart, setEnd)
}

func toSet(start, end bool) domain.DatesToSet {
    switch {
    case start && end:
        return domain.SetBoth
    case start:
        return domain.SetStart
    case end:
        return domain.SetEnd
    }
    return domain.SetNone
}
