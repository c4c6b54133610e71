package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/danmuck/migratectl/internal/artifact"
)

var ErrNotFound = errors.New("remote: not found")

// Project is a workspace project shell.
type Project struct {
	ID           string
	Name         string
	Owner        string
	Visibility   string
	Description  string
	Team         string
	Template     string
	LegacyEngine string
	Environment  map[string]string
}

// ArtifactAPI covers the artifact calls the orchestrators depend on.
type ArtifactAPI interface {
	ListArtifacts(ctx context.Context, projectID string, kind artifact.Kind) ([]artifact.Metadata, error)
	GetArtifact(ctx context.Context, projectID string, kind artifact.Kind, id string) (artifact.Metadata, error)
	CreateArtifact(ctx context.Context, projectID string, kind artifact.Kind, md artifact.Metadata) (string, error)
	ResolveRuntimeForLegacyEngine(ctx context.Context, engine string) (string, error)
}

// WorkspaceAPI covers project shell and catalog calls.
type WorkspaceAPI interface {
	FindProject(ctx context.Context, owner string, name string) (Project, error)
	CreateProject(ctx context.Context, p Project) (Project, error)
	ListRuntimes(ctx context.Context) ([]artifact.RuntimeRef, error)
	UserExists(ctx context.Context, username string) (bool, error)
	TeamExists(ctx context.Context, team string) (bool, error)
}

// Client is the full remote surface of one workspace.
type Client interface {
	ArtifactAPI
	WorkspaceAPI
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("remote: %s %s: %d %s", e.Method, e.Path, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("remote: %s %s: %d %s: %s", e.Method, e.Path, e.Code, http.StatusText(e.Code), e.Body)
}

// Is matches ErrNotFound for 404 responses.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// Temporary reports whether a rerun may succeed without user action.
func (e *StatusError) Temporary() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.Code >= 500
}

// TransportError is a request that never produced a response.
type TransportError struct {
	Method string
	Path   string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("remote: %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Temporary() bool {
	return true
}

// IsTransient reports whether err is a network or server-side failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
