package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jjudge-oj/authserver/internal/auth"
	"github.com/jjudge-oj/authserver/internal/events"
	"github.com/jjudge-oj/authserver/internal/metrics"
	"github.com/jjudge-oj/authserver/internal/services"
	"github.com/jjudge-oj/authserver/internal/store"
	"github.com/jjudge-oj/authserver/internal/validation"
	"github.com/jjudge-oj/authserver/types"
	"github.com/sirupsen/logrus"
)

const (
	msgUserCreated        = "User created successfully"
	msgInvalidCredentials = "Invalid credentials"
	msgUsernameTaken      = "username already exists"
	msgRegisterFailed     = "Failed to register user"
	msgLoginFailed        = "Failed to login"
	msgListFailed         = "Failed to fetch users"
)

// TokenIssuer mints session tokens for authenticated users.
type TokenIssuer interface {
	Issue(userID int, role string) (string, error)
}

// AuthOptions controls what internal data responses may carry.
type AuthOptions struct {
	ExposePasswordHash bool
	ExposeErrorDetails bool
}

// AuthHandler provides the registration, login and user listing endpoints.
type AuthHandler struct {
	userService *services.UserService
	validator   *validation.Validator
	tokens      TokenIssuer
	events      events.Publisher
	metrics     *metrics.Metrics
	logger      logrus.FieldLogger
	opts        AuthOptions
}

// NewAuthHandler constructs an AuthHandler with the provided dependencies.
func NewAuthHandler(
	userService *services.UserService,
	tokens TokenIssuer,
	publisher events.Publisher,
	m *metrics.Metrics,
	logger logrus.FieldLogger,
	opts AuthOptions,
) *AuthHandler {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if m == nil {
		m = metrics.New()
	}
	return &AuthHandler{
		userService: userService,
		validator:   validation.New(),
		tokens:      tokens,
		events:      publisher,
		metrics:     m,
		logger:      logger,
		opts:        opts,
	}
}

// AuthRouter registers auth routes on the given router. requireAuth guards
// the routes that need an authenticated caller.
func AuthRouter(r chi.Router, handler *AuthHandler, requireAuth func(http.Handler) http.Handler) {
	r.Post("/register", handler.Register)
	r.Post("/login", handler.Login)
	r.Get("/users", handler.ListUsers)
	r.With(requireAuth).Get("/me", handler.Me)
}

type registerResponse struct {
	Message string `json:"message"`
	UserID  int    `json:"userId"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Register validates the payload, stores the user and returns its id.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(h.logger, r)

	var req validation.RegisterRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.metrics.Registration(metrics.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validator.ValidateRegister(req); err != nil {
		h.metrics.Registration(metrics.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.userService.Register(r.Context(), req.Username, req.Password, req.Email)
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			h.metrics.Registration(metrics.ResultConflict)
			log.WithField("username", req.Username).Info("registration rejected: username taken")
			writeError(w, http.StatusConflict, msgUsernameTaken)
			return
		}
		h.metrics.Registration(metrics.ResultError)
		log.WithError(err).Error("registration failed")
		h.writeInternal(w, msgRegisterFailed, err)
		return
	}

	h.metrics.Registration(metrics.ResultSuccess)
	log.WithFields(logrus.Fields{"user_id": user.ID, "username": user.Username}).Info("user registered")
	if err := h.events.UserRegistered(r.Context(), user); err != nil {
		log.WithError(err).Warn("publish registration event")
	}

	writeJSON(w, http.StatusCreated, registerResponse{Message: msgUserCreated, UserID: user.ID})
}

// Login verifies credentials and returns a signed session token. Unknown
// usernames and wrong passwords get the same response.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	log := requestLogger(h.logger, r)

	var req validation.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.metrics.Login(metrics.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.validator.ValidateLogin(req); err != nil {
		h.metrics.Login(metrics.ResultInvalid)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	user, err := h.userService.Authenticate(r.Context(), req.Username, req.Password)
	if err != nil {
		if errors.Is(err, services.ErrInvalidCredentials) {
			h.metrics.Login(metrics.ResultUnauthorized)
			log.Info("login rejected")
			writeError(w, http.StatusUnauthorized, msgInvalidCredentials)
			return
		}
		h.metrics.Login(metrics.ResultError)
		log.WithError(err).Error("login failed")
		h.writeInternal(w, msgLoginFailed, err)
		return
	}

	token, err := h.tokens.Issue(user.ID, user.Role)
	if err != nil {
		h.metrics.Login(metrics.ResultError)
		log.WithError(err).Error("issue token")
		h.writeInternal(w, msgLoginFailed, err)
		return
	}

	h.metrics.Login(metrics.ResultSuccess)
	log.WithField("user_id", user.ID).Info("user logged in")
	if err := h.events.UserLoggedIn(r.Context(), user); err != nil {
		log.WithError(err).Warn("publish login event")
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// ListUsers returns every stored user. Password digests are projected out
// unless ExposePasswordHash is set.
func (h *AuthHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.userService.List(r.Context())
	if err != nil {
		requestLogger(h.logger, r).WithError(err).Error("list users failed")
		h.writeInternal(w, msgListFailed, err)
		return
	}

	records := make([]types.UserRecord, 0, len(users))
	for _, u := range users {
		records = append(records, u.Record(h.opts.ExposePasswordHash))
	}
	writeJSON(w, http.StatusOK, records)
}

// Me returns the authenticated caller.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	user, err := h.userService.GetByID(r.Context(), identity.UserID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		requestLogger(h.logger, r).WithError(err).Error("load current user")
		h.writeInternal(w, "Failed to load user", err)
		return
	}

	writeJSON(w, http.StatusOK, user.Record(false))
}

func (h *AuthHandler) writeInternal(w http.ResponseWriter, message string, err error) {
	resp := ErrorResponse{Error: message}
	if h.opts.ExposeErrorDetails {
		resp.Details = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}
