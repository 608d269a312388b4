// Package auth implements the socket authentication controller: it
// validates credentials and permissions against the external habemus
// services, resolves the target room and binds the socket to it with a
// role.
package auth

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/habemus/habemus-workspace-server/internal/connection"
	"github.com/habemus/habemus-workspace-server/internal/herrors"
	"github.com/habemus/habemus-workspace-server/internal/protocol"
	"github.com/habemus/habemus-workspace-server/internal/room"
	"github.com/habemus/habemus-workspace-server/internal/services"
	"github.com/habemus/habemus-workspace-server/internal/store"
)

// RequiredPermissions are the project scopes an authenticated client
// must hold, with no partial grants.
var RequiredPermissions = []string{"read", "update", "delete"}

// IdentityService decodes client auth tokens.
type IdentityService interface {
	DecodeToken(ctx context.Context, clientToken string) (*services.TokenData, error)
}

// ProjectService resolves projects and checks permissions.
type ProjectService interface {
	GetByCode(ctx context.Context, code string) (*services.Project, error)
	VerifyPermissions(ctx context.Context, sub, projectID string, scopes []string) (bool, error)
}

// WorkspaceSetup makes a workspace's files ready on disk.
type WorkspaceSetup interface {
	EnsureReady(ctx context.Context, username, projectID string) (*store.Workspace, error)
}

// WorkspaceLookup resolves existing workspace records.
type WorkspaceLookup interface {
	GetByProjectID(ctx context.Context, projectID string) (*store.Workspace, error)
}

// RoomResolver is the slice of the room manager the controller uses.
type RoomResolver interface {
	EnsureRoom(ctx context.Context, ws *store.Workspace) (*room.Room, error)
	GetRoom(workspaceID string) *room.Room
}

// Controller is the socket-auth controller.
type Controller struct {
	accounts   IdentityService
	projects   ProjectService
	setup      WorkspaceSetup
	workspaces WorkspaceLookup
	rooms      RoomResolver
	log        *logrus.Entry
}

// NewController wires the controller's collaborators.
func NewController(
	accounts IdentityService,
	projects ProjectService,
	setup WorkspaceSetup,
	workspaces WorkspaceLookup,
	rooms RoomResolver,
) *Controller {
	return &Controller{
		accounts:   accounts,
		projects:   projects,
		setup:      setup,
		workspaces: workspaces,
		rooms:      rooms,
		log:        logrus.WithField("component", "socket-auth"),
	}
}

// ConnectAuthenticatedSocket authenticates a socket and joins it to the
// project's workspace room with the authenticated role.
func (c *Controller) ConnectAuthenticatedSocket(ctx context.Context, sock connection.Socket, authToken, projectCode string) error {
	if authToken == "" {
		return &herrors.InvalidOption{Option: "authToken", Kind: "required"}
	}
	if projectCode == "" {
		return &herrors.InvalidOption{Option: "projectCode", Kind: "required"}
	}

	// Token decode and project fetch are independent, run them
	// concurrently.
	var (
		tokenData *services.TokenData
		project   *services.Project
		tokenErr  error
		projErr   error
	)
	done := make(chan struct{}, 2)
	go func() {
		tokenData, tokenErr = c.accounts.DecodeToken(ctx, authToken)
		done <- struct{}{}
	}()
	go func() {
		project, projErr = c.projects.GetByCode(ctx, projectCode)
		done <- struct{}{}
	}()
	<-done
	<-done
	if tokenErr != nil {
		return tokenErr
	}
	if projErr != nil {
		return projErr
	}

	allowed, err := c.projects.VerifyPermissions(ctx, tokenData.Sub, project.ID, RequiredPermissions)
	if err != nil {
		return err
	}
	if !allowed {
		return &herrors.Unauthorized{}
	}

	ws, err := c.setup.EnsureReady(ctx, tokenData.Username, project.ID)
	if err != nil {
		return err
	}

	// Detach any previously bound generic message handler so the room's
	// router is the only listener after join.
	sock.ClearMessageHandler()

	r, err := c.rooms.EnsureRoom(ctx, ws)
	if err != nil {
		return err
	}
	r.Join(sock, protocol.RoleAuthenticated)

	c.log.WithFields(logrus.Fields{
		"socket":    sock.ID(),
		"workspace": ws.ID,
		"username":  tokenData.Username,
	}).Info("authenticated socket connected")
	return nil
}

// ConnectAnonymousSocket joins a socket to an already-active workspace
// room with the anonymous role. It never creates a room.
func (c *Controller) ConnectAnonymousSocket(ctx context.Context, sock connection.Socket, projectCode string) error {
	if projectCode == "" {
		return &herrors.InvalidOption{Option: "projectCode", Kind: "required"}
	}

	project, err := c.projects.GetByCode(ctx, projectCode)
	if err != nil {
		return err
	}
	ws, err := c.workspaces.GetByProjectID(ctx, project.ID)
	if err != nil {
		return err
	}

	r := c.rooms.GetRoom(ws.ID)
	if r == nil {
		return &herrors.NotFound{Resource: "room"}
	}

	sock.ClearMessageHandler()
	r.Join(sock, protocol.RoleAnonymous)

	c.log.WithFields(logrus.Fields{
		"socket":    sock.ID(),
		"workspace": ws.ID,
	}).Info("anonymous socket connected")
	return nil
}
