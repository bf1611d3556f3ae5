package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/segmentio/encoding/json"
)

// JSONSerializer implements echo.JSONSerializer with segmentio/encoding.
type JSONSerializer struct{}

// Serialize writes i as JSON to the response.
func (JSONSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := json.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

// Deserialize reads the request body as JSON into i.
func (JSONSerializer) Deserialize(c echo.Context, i any) error {
	if err := json.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(400, "Invalid JSON body").SetInternal(err)
	}
	return nil
}
