package remote

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/plagapro/plagapro/backend/internal/models"
)

// ChangeRequest maps a pending change onto a PostgREST-style table request:
//
//	insert  POST   {prefix}{resource}
//	update  PATCH  {prefix}{resource}?id=eq.{id}
//	delete  DELETE {prefix}{resource}?id=eq.{id}
func ChangeRequest(prefix string, change *models.PendingChange) (*Request, error) {
	if change.Resource == "" {
		return nil, fmt.Errorf("change %s has no resource", change.ID)
	}
	path := ResourcePath(prefix, change.Resource)

	header := http.Header{}
	header.Set("Content-Type", "application/json")
	header.Set("Prefer", "return=minimal")

	switch change.Action {
	case models.ActionInsert:
		return &Request{Method: http.MethodPost, Path: path, Body: change.Data, Header: header}, nil
	case models.ActionUpdate, models.ActionDelete:
		id, err := change.TargetID()
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", change.ID, err)
		}
		path += "?id=eq." + url.QueryEscape(id)
		if change.Action == models.ActionDelete {
			return &Request{Method: http.MethodDelete, Path: path, Header: header}, nil
		}
		return &Request{Method: http.MethodPatch, Path: path, Body: change.Data, Header: header}, nil
	default:
		return nil, fmt.Errorf("change %s has unknown action %q", change.ID, change.Action)
	}
}

// ResourcePath joins the API prefix and a table name.
func ResourcePath(prefix, resource string) string {
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + strings.TrimPrefix(resource, "/")
}
