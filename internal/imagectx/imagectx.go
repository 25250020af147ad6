// Package imagectx tracks, per user, the most recent generated image so that
// follow-up requests can be turned into modifications of it.
package imagectx

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one generation in a user's image history.
type Entry struct {
	ImageID        string
	Prompt         string
	IsModification bool
	ConversationID string
	CreatedAt      time.Time
}

// Context is the image state of one user.
type Context struct {
	LastImageID        string
	LastPrompt         string
	LastConversationID string
	RevisionCount      int
	History            []Entry
}

// HasImage reports whether the user has generated at least one image.
func (c *Context) HasImage() bool {
	return c.LastImageID != ""
}

// Record stores a successful generation. A fresh generation replaces the
// effective prompt and resets the revision count; a modification appends the
// instruction to the prior prompt and increments it.
func (c *Context) Record(imageID, conversationID, prompt string, modification bool, now time.Time) {
	if modification && c.HasImage() {
		c.LastPrompt = c.LastPrompt + " + " + prompt
		c.RevisionCount++
	} else {
		modification = false
		c.LastPrompt = prompt
		c.RevisionCount = 0
	}
	c.LastImageID = imageID
	c.LastConversationID = conversationID
	c.History = append(c.History, Entry{
		ImageID:        imageID,
		Prompt:         prompt,
		IsModification: modification,
		ConversationID: conversationID,
		CreatedAt:      now,
	})
}

func (c *Context) clone() Context {
	out := *c
	out.History = append([]Entry(nil), c.History...)
	return out
}

type slot struct {
	sem chan struct{}
	ctx Context
}

// Registry holds one Context per user. Contexts of different users never
// share state; requests of one user that hold a Lease are serialized.
type Registry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[string]*slot)}
}

func (r *Registry) slot(userID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[userID]
	if !ok {
		s = &slot{sem: make(chan struct{}, 1)}
		r.slots[userID] = s
	}
	return s
}

// Lease is exclusive access to one user's Context until Release.
type Lease struct {
	s    *slot
	once sync.Once
}

// Acquire blocks until no other lease for userID is held.
func (r *Registry) Acquire(userID string) *Lease {
	s := r.slot(userID)
	s.sem <- struct{}{}
	return &Lease{s: s}
}

// AcquireCtx is Acquire that gives up with ctx.Err() when ctx is done first.
func (r *Registry) AcquireCtx(ctx context.Context, userID string) (*Lease, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := r.slot(userID)
	select {
	case s.sem <- struct{}{}:
		return &Lease{s: s}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Context returns the leased context. It must not be used after Release.
func (l *Lease) Context() *Context {
	return &l.s.ctx
}

// Release gives up the lease. Calling it more than once is a no-op.
func (l *Lease) Release() {
	l.once.Do(func() { <-l.s.sem })
}

// Snapshot returns a copy of the user's context.
func (r *Registry) Snapshot(userID string) Context {
	l := r.Acquire(userID)
	defer l.Release()
	return l.Context().clone()
}

var modificationKeywords = []string{
	"modify", "change", "update", "edit", "revise", "adjust", "alter",
	"instead", "rather", "different", "tweak", "fix", "improve", "add",
	"remove", "make it", "try again", "another", "version", "iteration",
	"retry", "better", "more", "less", "change the", "different style", "with",
}

const shortReplyWords = 5

// WantsModification reports whether msg reads like a request to alter the
// previous image: it names a modification keyword or is a short reply.
func WantsModification(msg string) bool {
	lower := strings.ToLower(msg)
	for _, kw := range modificationKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return len(strings.Fields(msg)) < shortReplyWords
}

// ModificationPrompt builds the image prompt for altering the image described
// by last according to msg.
func ModificationPrompt(last, msg string) string {
	return fmt.Sprintf("Modify the previous image that was described as '%s'. The modification request is: %s", last, msg)
}
