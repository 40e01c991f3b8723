package webapi

import (
	"net/http"

	"github.com/gocarina/gocsv"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

type contactRow struct {
	Phone string `csv:"phone"`
	Name  string `csv:"name"`
}

func (s *Server) listContacts(c echo.Context) error {
	contacts, err := s.store.ListContacts(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return fail(c, http.StatusInternalServerError, "STORE_ERROR", "contact list failed", err.Error())
	}
	return ok(c, contacts)
}

// importContacts ingests a CSV body with phone,name columns and upserts each
// row into the tenant's address book.
func (s *Server) importContacts(c echo.Context) error {
	tenantID := c.Param("tenant")

	var rows []contactRow
	if err := gocsv.Unmarshal(c.Request().Body, &rows); err != nil {
		return fail(c, http.StatusBadRequest, "BAD_CSV", "csv parse failed", err.Error())
	}

	imported := 0
	for _, row := range rows {
		if row.Phone == "" {
			continue
		}
		if err := s.store.UpsertContact(c.Request().Context(), tenantID, row.Phone, row.Name); err != nil {
			zap.L().Warn("webapi: contact import row failed",
				zap.Error(err), zap.String("tenant", tenantID), zap.String("phone", row.Phone))
			continue
		}
		imported++
	}
	return ok(c, map[string]interface{}{"imported": imported, "rows": len(rows)})
}
