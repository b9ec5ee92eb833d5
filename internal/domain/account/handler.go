package account

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/internal/platform/remote"
)

// Resolver finds the AuthStore for the session behind c.
type Resolver func(c echo.Context) (*AuthStore, error)

type Handler struct {
	resolve   Resolver
	onSignOut func(c echo.Context)
}

// NewHandler builds the auth endpoints. onSignOut, if set, runs after a
// successful logout.
func NewHandler(resolve Resolver, onSignOut func(c echo.Context)) *Handler {
	return &Handler{resolve: resolve, onSignOut: onSignOut}
}

func (h *Handler) RegisterRoutes(api *echo.Group, limit ...echo.MiddlewareFunc) {
	g := api.Group("/auth")
	g.POST("/login", h.Login, limit...)
	g.POST("/signup", h.SignUp, limit...)
	g.POST("/reset-password", h.ResetPassword, limit...)
	g.POST("/logout", h.Logout)
	g.POST("/refresh", h.Refresh)
	g.PUT("/password", h.UpdatePassword)
	g.GET("/me", h.Me)
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Redirect string `json:"redirect,omitempty"`
}

type signUpRequest struct {
	credentials
	FullName string `json:"full_name"`
	Role     string `json:"role"`
}

type signUpResponse struct {
	User           *remote.User `json:"user"`
	ProfilePending bool         `json:"profile_pending"`
	Message        string       `json:"message,omitempty"`
}

func (h *Handler) store(c echo.Context) (*AuthStore, error) {
	s, err := h.resolve(c)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return s, nil
}

// authError keeps client errors reported by the auth service, such as bad
// credentials, as 4xx instead of a gateway failure.
func authError(err error) error {
	var re *remote.Error
	if entitystore.Is(err, entitystore.KindRemote) && errors.As(err, &re) && re.Status >= 400 && re.Status < 500 {
		return echo.NewHTTPError(re.Status, err.Error())
	}
	return echo.NewHTTPError(entitystore.HTTPStatus(err), err.Error())
}

func (h *Handler) Login(c echo.Context) error {
	var in credentials
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if _, err := s.SignIn(c.Request().Context(), in.Email, in.Password); err != nil {
		return authError(err)
	}
	if in.Redirect != "" {
		s.SetReturnURL(in.Redirect)
	}
	return c.JSON(http.StatusOK, s.State(c.Request().Context()))
}

func (h *Handler) SignUp(c echo.Context) error {
	var in signUpRequest
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.store(c)
	if err != nil {
		return err
	}
	user, err := s.SignUp(c.Request().Context(), in.Email, in.Password, SignUpFields{FullName: in.FullName, Role: in.Role})
	if err != nil {
		if entitystore.Is(err, entitystore.KindPartial) {
			return c.JSON(http.StatusCreated, signUpResponse{User: user, ProfilePending: true, Message: err.Error()})
		}
		return authError(err)
	}
	return c.JSON(http.StatusCreated, signUpResponse{User: user})
}

func (h *Handler) Logout(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if err := s.SignOut(c.Request().Context()); err != nil {
		return authError(err)
	}
	if h.onSignOut != nil {
		h.onSignOut(c)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var in struct {
		Email string `json:"email"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if err := s.ResetPassword(c.Request().Context(), in.Email); err != nil {
		return authError(err)
	}
	return c.NoContent(http.StatusAccepted)
}

func (h *Handler) UpdatePassword(c echo.Context) error {
	var in struct {
		Password string `json:"password"`
	}
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if err := s.UpdatePassword(c.Request().Context(), in.Password); err != nil {
		if errors.Is(err, remote.ErrNoSession) {
			return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
		}
		return authError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Refresh(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	if _, err := s.RefreshSession(c.Request().Context()); err != nil {
		if errors.Is(err, remote.ErrNoSession) {
			return echo.NewHTTPError(http.StatusUnauthorized, "not signed in")
		}
		return authError(err)
	}
	return c.JSON(http.StatusOK, s.State(c.Request().Context()))
}

func (h *Handler) Me(c echo.Context) error {
	s, err := h.store(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.State(c.Request().Context()))
}
