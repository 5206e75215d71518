/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import "github.com/atlassian-labs/issue-status-helper/internal/domain"

// AllChildrenToDo reports whether every child status category is 'To Do'.
// Vacuously true for an empty set.
func AllChildrenToDo(categories []domain.StatusCategory) bool {
    for _, c := range categories {
        if c != domain.CategoryToDo { return false }
    }
    return true
}

// AllChildrenDone reports whether every child status category is 'Done'.
// An empty set is not done.
func AllChildrenDone(categories []domain.StatusCategory) bool {
    if len(categories) == 0 { return false }
    for _, c := range categories {
        if c != domain.CategoryDone { return false }
    }
    return true
}

// SomeChildrenInProgressOrDone reports whether at least one child status
// category is 'In Progress' or 'Done'.
func SomeChildrenInProgressOrDone(categories []domain.StatusCategory) bool {
    for _, c := range categories {
        if c == domain.CategoryInProgress || c == domain.CategoryDone { return true }
    }
    return false
}

// AggregateTargetCategory applies the fixed precedence over the child
// categories: all done, then all to-do, then some started. The first
// matching predicate wins and short-circuits the rest; a transition is only
// wanted when its target differs from the parent's current category, so a
// parent already in the aggregate state yields no transition (which keeps
// redelivered events from producing writes). The second return is false when
// no transition is wanted.
func AggregateTargetCategory(parent domain.StatusCategory, children []domain.StatusCategory) (domain.StatusCategory, bool) {
    if AllChildrenDone(children) {
        return domain.CategoryDone, parent != domain.CategoryDone
    }
    if AllChildrenToDo(children) {
        return domain.CategoryToDo, parent != domain.CategoryToDo
    }
    if SomeChildrenInProgressOrDone(children) {
        return domain.CategoryInProgress, parent != domain.CategoryInProgress
    }
    return "", false
}
