// Package enrich resolves display names and avatars for chat identifiers.
// Every lookup is best effort: failures produce a usable default, never an error.
package enrich

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/wpphub/internal/wa"
)

// Source is the subset of wa.Client used for lookups.
type Source interface {
	LookupName(ctx context.Context, jid string) (string, error)
	ProfilePictureURL(ctx context.Context, jid string) (string, error)
}

// Profile is what the provider knows about a chat.
type Profile struct {
	Name       string
	PictureURL string
}

// Enricher performs bounded lookups against a Source.
type Enricher struct {
	timeout time.Duration
	logger  *zap.Logger
}

// New returns an Enricher. A zero timeout means no per-call deadline.
func New(timeout time.Duration, logger *zap.Logger) *Enricher {
	return &Enricher{timeout: timeout, logger: logger}
}

// Lookup asks src for jid's name and avatar. ok is false when neither is known.
func (e *Enricher) Lookup(ctx context.Context, src Source, jid string) (Profile, bool) {
	if src == nil {
		return Profile{}, false
	}
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	var p Profile
	name, err := src.LookupName(ctx, jid)
	if err == nil {
		p.Name = name
	} else if !errors.Is(err, wa.ErrNotFound) {
		e.logger.Debug("name lookup failed", zap.String("jid", jid), zap.Error(err))
	}

	pic, err := src.ProfilePictureURL(ctx, jid)
	if err == nil {
		p.PictureURL = pic
	} else if !errors.Is(err, wa.ErrNotFound) {
		e.logger.Debug("avatar lookup failed", zap.String("jid", jid), zap.Error(err))
	}

	return p, p.Name != "" || p.PictureURL != ""
}

// Resolve is Lookup with the fallback policy applied: the provider name, then
// hint (usually the sender's push name), then the raw identifier.
func (e *Enricher) Resolve(ctx context.Context, src Source, jid, hint string) Profile {
	p, _ := e.Lookup(ctx, src, jid)
	p.Name = FirstNonEmpty(p.Name, hint, wa.UserPart(jid))
	return p
}

// FirstNonEmpty returns the first non-empty string.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
