package clinic

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/dentdesk/dentdesk/internal/platform/entitystore"
	"github.com/dentdesk/dentdesk/pkg/pagination"
)

// Stores is the per-session pair of stores a request operates on.
type Stores interface {
	Patients() *PatientStore
	Appointments() *AppointmentStore
}

// Resolver finds the stores for the session behind c.
type Resolver func(c echo.Context) (Stores, error)

type Handler struct {
	resolve Resolver
}

func NewHandler(resolve Resolver) *Handler {
	return &Handler{resolve: resolve}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	p := api.Group("/patients")
	p.GET("", h.ListPatients)
	p.GET("/state", h.PatientState)
	p.GET("/search", h.SearchPatients)
	p.GET("/export.xlsx", h.ExportPatients)
	p.GET("/:id", h.GetPatient)
	p.POST("", h.CreatePatient)
	p.PATCH("/:id", h.UpdatePatient)
	p.DELETE("/:id", h.DeletePatient)

	a := api.Group("/appointments")
	a.GET("", h.ListAppointments)
	a.GET("/state", h.AppointmentState)
	a.GET("/today", h.TodayAppointments)
	a.GET("/week", h.WeekAppointments)
	a.GET("/export.xlsx", h.ExportAppointments)
	a.GET("/:id", h.GetAppointment)
	a.POST("", h.CreateAppointment)
	a.PATCH("/:id", h.UpdateAppointment)
	a.PATCH("/:id/status", h.UpdateAppointmentStatus)
	a.DELETE("/:id", h.DeleteAppointment)
}

func (h *Handler) stores(c echo.Context) (Stores, error) {
	s, err := h.resolve(c)
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}
	return s, nil
}

func storeError(err error) error {
	return echo.NewHTTPError(entitystore.HTTPStatus(err), err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Patient Handlers --

func (h *Handler) ListPatients(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Patients().FetchAll(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) PatientState(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Patients().State())
}

func (h *Handler) SearchPatients(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Patients().Search(c.Request().Context(), c.QueryParam("q"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	p, err := s.Patients().FetchOne(c.Request().Context(), id)
	if err != nil {
		if entitystore.Is(err, entitystore.KindSingleRow) {
			return echo.NewHTTPError(http.StatusNotFound, "patient not found")
		}
		return storeError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) CreatePatient(c echo.Context) error {
	var in PatientInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	p, err := s.Patients().Create(c.Request().Context(), in)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch PatientPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	p, err := s.Patients().Update(c.Request().Context(), id, patch)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) DeletePatient(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	if err := s.Patients().Delete(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ExportPatients(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Patients().FetchAll(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	data, err := ExportPatients(items, s.Appointments().Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return attachment(c, "patients", data)
}

// -- Appointment Handlers --

func (h *Handler) ListAppointments(c echo.Context) error {
	f := AppointmentFilters{
		StartDate: c.QueryParam("start_date"),
		EndDate:   c.QueryParam("end_date"),
		Status:    Status(c.QueryParam("status")),
	}
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		f.PatientID = id
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Appointments().FetchAll(c.Request().Context(), f)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, pagination.Page(items, pagination.FromContext(c)))
}

func (h *Handler) AppointmentState(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, s.Appointments().State())
}

func (h *Handler) TodayAppointments(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Appointments().FetchToday(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) WeekAppointments(c echo.Context) error {
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	items, err := s.Appointments().FetchWeek(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	a, err := s.Appointments().FetchOne(c.Request().Context(), id)
	if err != nil {
		if entitystore.Is(err, entitystore.KindSingleRow) {
			return echo.NewHTTPError(http.StatusNotFound, "appointment not found")
		}
		return storeError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) CreateAppointment(c echo.Context) error {
	var in AppointmentInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	a, err := s.Appointments().Create(c.Request().Context(), in)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) UpdateAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var patch AppointmentPatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	a, err := s.Appointments().Update(c.Request().Context(), id, patch)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) UpdateAppointmentStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	a, err := s.Appointments().UpdateStatus(c.Request().Context(), id, body.Status)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) DeleteAppointment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	if err := s.Appointments().Delete(c.Request().Context(), id); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) ExportAppointments(c echo.Context) error {
	f := AppointmentFilters{
		StartDate: c.QueryParam("start_date"),
		EndDate:   c.QueryParam("end_date"),
		Status:    Status(c.QueryParam("status")),
	}
	s, err := h.stores(c)
	if err != nil {
		return err
	}
	store := s.Appointments()
	items, err := store.FetchAll(c.Request().Context(), f)
	if err != nil {
		return storeError(err)
	}
	data, err := ExportAppointments(items, store.Location())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return attachment(c, "appointments", data)
}

func attachment(c echo.Context, name string, data []byte) error {
	filename := name + "-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Response().Header().Set(echo.HeaderContentDisposition, "attachment; filename="+filename)
	return c.Blob(http.StatusOK, XLSXContentType, data)
}
