// Package httpapi is the control plane next to the UDP relay: client
// bootstrap (channel list, version advertisement), funk key verification,
// and a token-guarded admin surface for user management, connection logs,
// traffic summaries and live session inspection.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/mcordes92/dfg-funk/internal/protocol"
	"github.com/mcordes92/dfg-funk/server/internal/registry"
	"github.com/mcordes92/dfg-funk/server/internal/store"
	"github.com/mcordes92/dfg-funk/server/internal/ws"
)

const (
	adminTokenHeader = "X-Admin-Token"
	sessionTTL       = 24 * time.Hour
)

// Config carries the static values the API serves: the advertised client
// version and the admin credentials. Empty admin credentials disable the
// admin surface entirely.
type Config struct {
	Version   string
	Changelog string
	AdminUser string
	AdminPass string
}

// Server is the Echo application.
type Server struct {
	echo    *echo.Echo
	store   *store.Store
	peers   *registry.Registry
	stats   func() ws.Stats
	metrics http.Handler
	cfg     Config

	mu       sync.Mutex
	sessions map[string]adminSession
	now      func() time.Time
}

type adminSession struct {
	username string
	expires  time.Time
}

// New constructs an Echo app with all REST and websocket routes. stats and
// metrics may be nil; their routes are then not registered.
func New(st *store.Store, peers *registry.Registry, stats func() ws.Stats, metrics http.Handler, cfg Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod: true,
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			slog.Debug("api request", "method", v.Method, "uri", v.URI, "status", v.Status)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		store:    st,
		peers:    peers,
		stats:    stats,
		metrics:  metrics,
		cfg:      cfg,
		sessions: make(map[string]adminSession),
		now:      time.Now,
	}
	s.registerRoutes()
	return s
}

// Echo exposes the underlying Echo instance for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/api/version", s.handleVersion)
	s.echo.GET("/api/channels/list", s.handleChannelCatalog)
	s.echo.GET("/api/channels/:credential", s.handleUserChannels)
	s.echo.POST("/api/auth/verify", s.handleVerifyKey)

	s.echo.POST("/api/admin/login", s.handleAdminLogin)
	admin := s.echo.Group("/api/admin", s.adminAuth)
	admin.POST("/logout", s.handleAdminLogout)
	admin.GET("/users", s.handleListUsers)
	admin.POST("/users", s.handleCreateUser)
	admin.DELETE("/users/:id", s.handleDeleteUser)
	admin.PUT("/users/:id/channels", s.handleUpdateChannels)
	admin.PUT("/users/:id/active", s.handleUpdateActive)
	admin.GET("/logs", s.handleConnectionLogs)
	admin.GET("/traffic", s.handleTraffic)
	admin.GET("/sessions", s.handleSessions)

	if s.metrics != nil {
		s.echo.GET("/metrics", echo.WrapHandler(s.metrics))
	}
	if s.stats != nil {
		ws.NewHandler(s.stats, 0).Register(s.echo)
	}
}

// Run starts Echo and blocks until ctx cancellation or startup failure.
func (s *Server) Run(ctx context.Context, addr string) error {
	errCh := make(chan error, 1)
	go func() {
		err := s.echo.Start(addr)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.echo.Shutdown(shutCtx)
		return nil
	}
}

type healthResponse struct {
	Status  string `json:"status"`
	Clients int    `json:"clients"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, healthResponse{
		Status:  "ok",
		Clients: s.peers.Count(),
	})
}

type versionResponse struct {
	Version   string `json:"version"`
	Changelog string `json:"changelog"`
}

func (s *Server) handleVersion(c echo.Context) error {
	if s.cfg.Version == "" {
		return echo.NewHTTPError(http.StatusNotFound, "no version available")
	}
	return c.JSON(http.StatusOK, versionResponse{
		Version:   s.cfg.Version,
		Changelog: s.cfg.Changelog,
	})
}

type catalogEntry struct {
	ChannelID   int    `json:"channel_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Public      bool   `json:"is_public"`
}

type catalogResponse struct {
	Channels []catalogEntry `json:"channels"`
}

func (s *Server) handleChannelCatalog(c echo.Context) error {
	catalog, err := s.store.Channels(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]catalogEntry, 0, len(catalog))
	for _, ch := range catalog {
		resp = append(resp, catalogEntry{
			ChannelID:   int(ch.ID),
			Name:        ch.Name,
			Description: ch.Description,
			Public:      ch.Public,
		})
	}
	return c.JSON(http.StatusOK, catalogResponse{Channels: resp})
}

type channelEntry struct {
	ChannelID int    `json:"channel_id"`
	Name      string `json:"name"`
}

type userChannelsResponse struct {
	Username string         `json:"username"`
	Channels []channelEntry `json:"channels"`
}

func (s *Server) handleUserChannels(c echo.Context) error {
	credential := strings.TrimSpace(c.Param("credential"))
	if credential == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "credential is required")
	}
	user, err := s.store.VerifyFunkKey(c.Request().Context(), credential)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	names, err := s.channelNames(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	channels := make([]channelEntry, 0, len(user.Channels))
	for _, ch := range user.Channels {
		name := names[ch]
		if name == "" {
			name = fmt.Sprintf("Kanal %d", ch)
		}
		channels = append(channels, channelEntry{ChannelID: int(ch), Name: name})
	}
	return c.JSON(http.StatusOK, userChannelsResponse{
		Username: user.Username,
		Channels: channels,
	})
}

func (s *Server) channelNames(ctx context.Context) (map[uint8]string, error) {
	catalog, err := s.store.Channels(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[uint8]string, len(catalog))
	for _, ch := range catalog {
		names[ch.ID] = ch.Name
	}
	return names, nil
}

type verifyRequest struct {
	FunkKey string `json:"funk_key"`
}

type verifyResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username"`
	Channels []int  `json:"allowed_channels"`
	Active   bool   `json:"is_active"`
}

func (s *Server) handleVerifyKey(c echo.Context) error {
	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	key := strings.TrimSpace(req.FunkKey)
	if key == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "funk_key is required")
	}
	user, err := s.store.VerifyFunkKey(c.Request().Context(), key)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid funk key or inactive user")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, verifyResponse{
		Valid:    true,
		Username: user.Username,
		Channels: channelInts(user.Channels),
		Active:   user.Active,
	})
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
}

func (s *Server) handleAdminLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if s.cfg.AdminUser == "" || s.cfg.AdminPass == "" {
		return echo.NewHTTPError(http.StatusForbidden, "admin access is not configured")
	}
	userOK := subtle.ConstantTimeCompare([]byte(req.Username), []byte(s.cfg.AdminUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(req.Password), []byte(s.cfg.AdminPass)) == 1
	if !userOK || !passOK {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.sessions[token] = adminSession{username: req.Username, expires: s.now().Add(sessionTTL)}
	s.mu.Unlock()

	return c.JSON(http.StatusOK, loginResponse{
		Token:     token,
		ExpiresIn: int64(sessionTTL / time.Second),
	})
}

func (s *Server) handleAdminLogout(c echo.Context) error {
	token := strings.TrimSpace(c.Request().Header.Get(adminTokenHeader))
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) adminAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token := strings.TrimSpace(c.Request().Header.Get(adminTokenHeader))
		if token == "" || !s.validSession(token) {
			return echo.NewHTTPError(http.StatusUnauthorized, "admin session required")
		}
		return next(c)
	}
}

func (s *Server) validSession(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return false
	}
	if s.now().After(sess.expires) {
		delete(s.sessions, token)
		return false
	}
	return true
}

type userResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FunkKey   string `json:"funk_key"`
	Channels  []int  `json:"allowed_channels"`
	Active    bool   `json:"is_active"`
	CreatedAt string `json:"created_at"`
	LastSeen  string `json:"last_seen,omitempty"`
}

type usersResponse struct {
	Users []userResponse `json:"users"`
	Count int            `json:"count"`
}

func toUserResponse(u store.User) userResponse {
	r := userResponse{
		ID:        u.ID,
		Username:  u.Username,
		FunkKey:   u.FunkKey,
		Channels:  channelInts(u.Channels),
		Active:    u.Active,
		CreatedAt: u.CreatedAt.Format(time.RFC3339),
	}
	if !u.LastSeen.IsZero() {
		r.LastSeen = u.LastSeen.Format(time.RFC3339)
	}
	return r
}

func (s *Server) handleListUsers(c echo.Context) error {
	users, err := s.store.Users(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]userResponse, 0, len(users))
	for _, u := range users {
		resp = append(resp, toUserResponse(u))
	}
	return c.JSON(http.StatusOK, usersResponse{Users: resp, Count: len(resp)})
}

type createUserRequest struct {
	Username string `json:"username"`
	FunkKey  string `json:"funk_key"`
	Channels []int  `json:"allowed_channels"`
}

func (s *Server) handleCreateUser(c echo.Context) error {
	var req createUserRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	username := strings.TrimSpace(req.Username)
	if username == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "username must not be empty")
	}
	if len(username) > 50 {
		return echo.NewHTTPError(http.StatusBadRequest, "username must not exceed 50 characters")
	}
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	user, err := s.store.CreateUser(c.Request().Context(), username, strings.TrimSpace(req.FunkKey), channels)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, "username or funk key already exists")
	}
	return c.JSON(http.StatusCreated, toUserResponse(user))
}

func (s *Server) handleDeleteUser(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	if err := s.store.DeleteUser(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type updateChannelsRequest struct {
	Channels []int `json:"channels"`
}

func (s *Server) handleUpdateChannels(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	var req updateChannelsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Channels) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "channels must not be empty")
	}
	channels, err := parseChannels(req.Channels)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.SetUserChannels(c.Request().Context(), id, channels); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type updateActiveRequest struct {
	Active bool `json:"is_active"`
}

func (s *Server) handleUpdateActive(c echo.Context) error {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid user id")
	}
	var req updateActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.SetUserActive(c.Request().Context(), id, req.Active); err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "user not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

type logEntry struct {
	ID          int64  `json:"id"`
	Username    string `json:"username"`
	ChannelID   int    `json:"channel_id"`
	ChannelName string `json:"channel_name"`
	Action      string `json:"action"`
	IP          string `json:"ip_address"`
	At          string `json:"at"`
}

type logsResponse struct {
	Logs  []logEntry `json:"logs"`
	Count int        `json:"count"`
}

func (s *Server) handleConnectionLogs(c echo.Context) error {
	limit := 0
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid limit")
		}
		limit = n
	}

	logs, err := s.store.ConnectionLogs(c.Request().Context(), c.QueryParam("username"), limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	resp := make([]logEntry, 0, len(logs))
	for _, l := range logs {
		resp = append(resp, logEntry{
			ID:          l.ID,
			Username:    l.Username,
			ChannelID:   int(l.ChannelID),
			ChannelName: l.ChannelName,
			Action:      l.Action,
			IP:          l.IP,
			At:          l.At.Format(time.RFC3339),
		})
	}
	return c.JSON(http.StatusOK, logsResponse{Logs: resp, Count: len(resp)})
}

type trafficWindowResponse struct {
	BytesIn           int64  `json:"bytes_in"`
	BytesOut          int64  `json:"bytes_out"`
	BytesInFormatted  string `json:"bytes_in_formatted"`
	BytesOutFormatted string `json:"bytes_out_formatted"`
	TotalFormatted    string `json:"total_formatted"`
}

type trafficResponse struct {
	Traffic map[string]trafficWindowResponse `json:"traffic"`
}

func toTrafficWindow(w store.TrafficWindow) trafficWindowResponse {
	return trafficWindowResponse{
		BytesIn:           w.BytesIn,
		BytesOut:          w.BytesOut,
		BytesInFormatted:  humanize.Bytes(uint64(w.BytesIn)),
		BytesOutFormatted: humanize.Bytes(uint64(w.BytesOut)),
		TotalFormatted:    humanize.Bytes(uint64(w.BytesIn + w.BytesOut)),
	}
}

func (s *Server) handleTraffic(c echo.Context) error {
	summary, err := s.store.TrafficSummary(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, trafficResponse{Traffic: map[string]trafficWindowResponse{
		"24h": toTrafficWindow(summary.Day),
		"7d":  toTrafficWindow(summary.Week),
		"30d": toTrafficWindow(summary.Month),
	}})
}

type sessionEntry struct {
	Username string `json:"username"`
	UserID   int64  `json:"user_id"`
	Address  string `json:"address"`
	Channels []int  `json:"channels"`
	IdleMS   int64  `json:"idle_ms"`
}

type sessionsResponse struct {
	Sessions      []sessionEntry `json:"sessions"`
	Count         int            `json:"count"`
	ChannelCounts map[uint8]int  `json:"channel_counts"`
}

func (s *Server) handleSessions(c echo.Context) error {
	peers := s.peers.Snapshot()
	sessions := make([]sessionEntry, 0, len(peers))
	for _, p := range peers {
		sessions = append(sessions, sessionEntry{
			Username: p.Username,
			UserID:   p.UserID,
			Address:  p.Key,
			Channels: channelInts(p.Channels),
			IdleMS:   time.Since(p.LastSeen).Milliseconds(),
		})
	}
	return c.JSON(http.StatusOK, sessionsResponse{
		Sessions:      sessions,
		Count:         len(sessions),
		ChannelCounts: s.peers.ChannelCounts(),
	})
}

// channelInts widens a channel set for JSON encoding, where []uint8 would
// marshal as base64.
func channelInts(chs []uint8) []int {
	out := make([]int, len(chs))
	for i, ch := range chs {
		out[i] = int(ch)
	}
	return out
}

func parseChannels(raw []int) ([]uint8, error) {
	out := make([]uint8, 0, len(raw))
	for _, ch := range raw {
		if ch < 0 || ch > 255 || !protocol.KnownChannel(uint8(ch)) {
			return nil, fmt.Errorf("unknown channel %d", ch)
		}
		out = append(out, uint8(ch))
	}
	return out, nil
}
