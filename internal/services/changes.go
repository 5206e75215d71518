/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import "github.com/atlassian-labs/issue-status-helper/internal/domain"

const (
    statusField = "status"
    sprintField = "Sprint"

    // The parent of an issue is expressed through one of three differently
    // named fields depending on the project type and hierarchy level. This
    // may need updating when issue hierarchy is consolidated.
    teamManagedParentField      = "IssueParentAssociation"
    companyManagedEpicLinkField = "Epic Link"
    higherLevelParentLinkField  = "Parent Link"
)

func isParentField(field string) bool {
    return field == teamManagedParentField ||
        field == companyManagedEpicLinkField ||
        field == higherLevelParentLinkField
}

// ShouldProcessUpdate reports whether any change in the event is one the
// engine reacts to: a status change, a sprint change or a re-parenting.
func ShouldProcessUpdate(items []domain.ChangelogItem) bool {
    for _, change := range items {
        if change.Field == statusField || change.Field == sprintField || isParentField(change.Field) {
            return true
        }
    }
    return false
}

// StatusChange returns the first status change in the event, or nil.
func StatusChange(items []domain.ChangelogItem) *domain.ChangelogItem {
    for i := range items {
        if items[i].Field == statusField { return &items[i] }
    }
    return nil
}

// SprintChange returns the first sprint change in the event, or nil.
func SprintChange(items []domain.ChangelogItem) *domain.ChangelogItem {
    for i := range items {
        if items[i].Field == sprintField { return &items[i] }
    }
    return nil
}

// ParentChange returns the first re-parenting change in the event, or nil.
// Encounter order wins; the three parent field names have no priority over
// each other.
func ParentChange(items []domain.ChangelogItem) *domain.ChangelogItem {
    for i := range items {
        if isParentField(items[i].Field) { return &items[i] }
    }
    return nil
}

// StartOrEndFieldChanged reports whether the event edited one of the
// configured date fields directly. Always false when no date fields are
// configured.
func StartOrEndFieldChanged(items []domain.ChangelogItem, fields *domain.DateFields) bool {
    if fields == nil { return false }
    for _, change := range items {
        if change.FieldID == fields.StartFieldID || change.FieldID == fields.EndFieldID {
            return true
        }
    }
    return false
}
