/* Copyright (c) 2024 Atlassian US, Inc.
 * SPDX-License-Identifier: Apache-2.0 */
package services

import "github.com/atlassian-labs/issue-status-helper/internal/domain"

// ResolvePreferredStatus returns the concrete status id an issue should be
// transitioned to for the target category, consulting the issue-type-specific
// mapping first and the global default second. The sentinel configurations
// ("do not transition", "use default") are consumed here; the resolved id is
// never a sentinel. The second return is false when no transition should be
// attempted.
func ResolvePreferredStatus(target domain.StatusCategory, specific, defaults domain.PreferredStatuses) (string, bool) {
    if specific != nil {
        preferred, ok := specific[target]
        if !ok { return "", false }
        switch preferred.Kind {
        case domain.PreferredNoTransition:
            return "", false
        case domain.PreferredUseDefault:
            // the configuration defers to the defaults, which may not exist
            if defaults == nil { return "", false }
            return resolveDefault(target, defaults)
        default:
            return preferred.ID, preferred.ID != ""
        }
    }
    if defaults != nil { return resolveDefault(target, defaults) }
    return "", false
}

func resolveDefault(target domain.StatusCategory, defaults domain.PreferredStatuses) (string, bool) {
    preferred, ok := defaults[target]
    if !ok || preferred.Kind != domain.PreferredStatusID || preferred.ID == "" {
        return "", false
    }
    return preferred.ID, true
}
