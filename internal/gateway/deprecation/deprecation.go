// Package deprecation watches upstream error messages for API version
// retirements and moves channels to the suggested replacement version.
package deprecation

import (
	"context"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/mrmushfiq/llm0-gateway/internal/shared/models"
)

var (
	useInstead = regexp.MustCompile(`(?i)\buse\s+['"]([a-zA-Z0-9_.-]+)['"]\s+instead`)
	useVersion = regexp.MustCompile(`(?i)\buse\s+(?:version\s+)?['"]([a-zA-Z0-9_.-]+)['"]`)
	quoted     = regexp.MustCompile(`['"]([a-zA-Z0-9_.-]+)['"]`)
)

var triggers = []string{"deprecated", "no longer available", "has been retired"}

// SuggestedVersion extracts the replacement version from a deprecation
// notice. Messages that do not announce a deprecation never match.
func SuggestedVersion(message string) (string, bool) {
	lower := strings.ToLower(message)
	triggered := false
	for _, t := range triggers {
		if strings.Contains(lower, t) {
			triggered = true
			break
		}
	}
	if !triggered {
		return "", false
	}

	if m := useInstead.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	if m := useVersion.FindStringSubmatch(message); m != nil {
		return m[1], true
	}
	if strings.Contains(lower, "deprecated") {
		// The first quoted token names the retired version.
		if all := quoted.FindAllStringSubmatch(message, -1); len(all) >= 2 {
			return all[len(all)-1][1], true
		}
	}
	return "", false
}

// Store persists a channel's API version.
type Store interface {
	UpdateChannelAPIVersion(ctx context.Context, id int64, version string) error
}

// Invalidator drops cached adaptors for a channel type and API version.
type Invalidator interface {
	Invalidate(channelType int, apiVersion string)
}

// Detector applies version changes found in upstream errors.
type Detector struct {
	store    Store
	adaptors Invalidator
}

// New creates a detector. adaptors may be nil.
func New(store Store, adaptors Invalidator) *Detector {
	return &Detector{store: store, adaptors: adaptors}
}

// Check inspects an upstream error message for ch. When a new version is
// found it is stored on the channel, ch is updated in place and cached
// adaptors for both versions are dropped. It returns the new version.
func (d *Detector) Check(ctx context.Context, ch *models.Channel, message string) (string, bool, error) {
	version, ok := SuggestedVersion(message)
	if !ok || version == ch.APIVersion {
		return "", false, nil
	}
	if err := d.store.UpdateChannelAPIVersion(ctx, ch.ID, version); err != nil {
		return "", false, fmt.Errorf("update api version for channel %d: %w", ch.ID, err)
	}

	old := ch.APIVersion
	ch.APIVersion = version
	if d.adaptors != nil {
		d.adaptors.Invalidate(ch.Type, old)
		d.adaptors.Invalidate(ch.Type, version)
	}
	log.Printf("deprecation: channel %d api version %q -> %q", ch.ID, old, version)
	return version, true, nil
}
