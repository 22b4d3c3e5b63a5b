package access

import (
	"context"

	"github.com/sirupsen/logrus"

	"mediajob/internal/domain"
)

// PermissionChecker is the underlying RBAC lookup.
type PermissionChecker interface {
	ActorHasPermission(ctx context.Context, objectID, actorID, perm string) (bool, error)
}

// DocumentLookup loads the hosting object.
type DocumentLookup interface {
	GetDocument(ctx context.Context, id string) (domain.Document, error)
}

// Gate decides visibility and editability of Documents.
// Every call evaluates fresh state; lookup errors deny.
type Gate struct {
	Perms PermissionChecker
	Docs  DocumentLookup
	Log   logrus.FieldLogger
}

func NewGate(perms PermissionChecker, docs DocumentLookup, log logrus.FieldLogger) Gate {
	return Gate{Perms: perms, Docs: docs, Log: log}
}

// CheckAccess reports whether caller may exercise permission on objectID.
//
// visible and read are granted to writers regardless of the online flag and
// denied to everyone else while the Document is offline.
func (g Gate) CheckAccess(ctx context.Context, permission, callerID, objectID string) bool {
	if permission == "" {
		return false
	}
	switch permission {
	case domain.PermVisible, domain.PermRead:
		if g.has(ctx, domain.PermWrite, callerID, objectID) {
			return true
		}
		doc, err := g.Docs.GetDocument(ctx, objectID)
		if err != nil {
			g.logDenied(err, permission, callerID, objectID)
			return false
		}
		if !doc.IsOnline {
			return false
		}
	}
	return g.has(ctx, permission, callerID, objectID)
}

func (g Gate) has(ctx context.Context, perm, callerID, objectID string) bool {
	ok, err := g.Perms.ActorHasPermission(ctx, objectID, callerID, perm)
	if err != nil {
		g.logDenied(err, perm, callerID, objectID)
		return false
	}
	return ok
}

func (g Gate) logDenied(err error, perm, callerID, objectID string) {
	if g.Log == nil {
		return
	}
	g.Log.WithFields(logrus.Fields{"permission": perm, "actor": callerID, "document": objectID}).
		WithError(err).Warn("access check failed; denying")
}
