package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/BTreeMap/SalonPipe/internal/booking"
	"github.com/BTreeMap/SalonPipe/internal/models"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Public tool names. The LLM addresses tools by these exact strings.
const (
	ToolGetSites                = "getSites"
	ToolGetProducts             = "getProducts"
	ToolGetEmployees            = "getEmployees"
	ToolAppointmentSuggestion   = "AppointmentSuggestion"
	ToolBookAppointment         = "bookAppointment"
	ToolCancelAppointment       = "cancelAppointment"
	ToolGetOrders               = "getOrders"
	ToolGetProfile              = "getProfile"
	ToolStoreProfile            = "store_profile"
	ToolUpdateProfileName       = "updateProfileName"
	ToolUpdateProfileEmail      = "updateProfileEmail"
	ToolUpdateProfileSalutation = "updateProfileSalutation"
	ToolUpdateDataProtection    = "updateDataProtection"
)

const emptySuggestionHint = "No free slots matched. week and dateSearchString must refer to the same calendar week; " +
	"if the requested day lies in the next week, increase week by one. Otherwise offer other days or staff."

// handlerFunc runs one tool against the booking backend for the bound customer.
type handlerFunc func(ctx context.Context, s booking.Session, args json.RawMessage) (*booking.Envelope, error)

// Tool is one entry of the catalog.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
	// Mutating tools change backend state and are never retried.
	Mutating bool

	handler handlerFunc
	// post rewrites a successful, timestamp-adjusted result.
	post func(body []byte) ([]byte, error)
}

// Spec returns the declaration sent to the LLM.
func (t *Tool) Spec() models.ToolSpec {
	return models.ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
}

// bind decodes and validates arguments into T before calling fn.
func bind[T any, PT interface {
	*T
	Validate() error
}](fn func(ctx context.Context, s booking.Session, args PT) (*booking.Envelope, error)) handlerFunc {
	return func(ctx context.Context, s booking.Session, raw json.RawMessage) (*booking.Envelope, error) {
		args := PT(new(T))
		if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
			if err := json.Unmarshal(trimmed, args); err != nil {
				return nil, models.NewError(models.KindValidation, "decode arguments", fmt.Errorf("arguments do not match the tool schema: %w", err))
			}
		}
		if err := args.Validate(); err != nil {
			return nil, models.NewError(models.KindValidation, "validate arguments", err)
		}
		return fn(ctx, s, args)
	}
}

func object(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(desc string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": desc}
}

func positionsSchema(desc string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"description": desc,
		"minItems":    1,
		"items": map[string]interface{}{
			"type":                 "object",
			"additionalProperties": true,
			"properties": map[string]interface{}{
				"itemNo":  map[string]interface{}{"type": []string{"string", "integer"}, "description": "Service identifier from getProducts"},
				"beginTs": str("Start time exactly as returned by AppointmentSuggestion"),
			},
			"required": []string{"itemNo"},
		},
	}
}

var weekSchema = map[string]interface{}{
	"type":        "integer",
	"minimum":     0,
	"maximum":     52,
	"description": "Week offset from the current calendar week: 0 = this week, 1 = next week",
}

var siteSchema = str("Salon identifier (siteCd) from getSites")

// newCatalog builds the fixed tool catalog in presentation order.
func newCatalog() []*Tool {
	return []*Tool{
		{
			Name:        ToolGetSites,
			Description: "List the salons of this business with address and opening hours.",
			Parameters:  object(map[string]interface{}{}),
			handler: bind(func(ctx context.Context, s booking.Session, _ *noArgs) (*booking.Envelope, error) {
				return s.GetSites(ctx)
			}),
		},
		{
			Name:        ToolGetProducts,
			Description: "List the bookable services of one salon with itemNo, duration and price.",
			Parameters:  object(map[string]interface{}{"siteCd": siteSchema}, "siteCd"),
			handler: bind(func(ctx context.Context, s booking.Session, a *siteArgs) (*booking.Envelope, error) {
				return s.GetProducts(ctx, string(a.SiteCd))
			}),
		},
		{
			Name:        ToolGetEmployees,
			Description: "List the staff able to perform the given services in a week, with availability.",
			Parameters: object(map[string]interface{}{
				"siteCd": siteSchema,
				"week":   weekSchema,
				"items": map[string]interface{}{
					"type":        "array",
					"description": "itemNo values of the requested services",
					"items":       map[string]interface{}{"type": []string{"string", "integer"}},
				},
			}, "siteCd", "week", "items"),
			handler: bind(func(ctx context.Context, s booking.Session, a *employeesArgs) (*booking.Envelope, error) {
				return s.GetEmployees(ctx, string(a.SiteCd), *a.Week, a.items())
			}),
		},
		{
			Name: ToolAppointmentSuggestion,
			Description: "Propose free appointment slots. Each suggestion lists positions with an exact beginTs. " +
				"week and dateSearchString must describe the same calendar week.",
			Parameters: object(map[string]interface{}{
				"siteCd":    siteSchema,
				"week":      weekSchema,
				"positions": positionsSchema("Requested services, e.g. [{\"itemNo\": 14}]"),
				"dateSearchString": map[string]interface{}{
					"type":        "array",
					"description": "Days of month to search, each as day followed by T, e.g. [\"21T\"]",
					"items":       map[string]interface{}{"type": "string"},
				},
			}, "siteCd", "week", "positions"),
			handler: bind(func(ctx context.Context, s booking.Session, a *suggestionArgs) (*booking.Envelope, error) {
				return s.GetSuggestions(ctx, string(a.SiteCd), *a.Week, a.Positions, a.DateSearchString)
			}),
			post: hintWhenEmpty,
		},
		{
			Name: ToolBookAppointment,
			Description: "Book an appointment. Copy the positions of the chosen suggestion verbatim, " +
				"including beginTs, only after the customer confirmed the slot.",
			Parameters: object(map[string]interface{}{
				"siteCd":    siteSchema,
				"positions": positionsSchema("Positions copied unchanged from AppointmentSuggestion"),
			}, "siteCd", "positions"),
			Mutating: true,
			handler: bind(func(ctx context.Context, s booking.Session, a *bookArgs) (*booking.Envelope, error) {
				positions, err := restorePositions(a.Positions)
				if err != nil {
					return nil, models.NewError(models.KindValidation, "restore positions", err)
				}
				return s.Book(ctx, string(a.SiteCd), positions)
			}),
		},
		{
			Name:        ToolCancelAppointment,
			Description: "Cancel an open appointment by orderId from getOrders.",
			Parameters: object(map[string]interface{}{
				"siteCd":  siteSchema,
				"orderId": map[string]interface{}{"type": []string{"string", "integer"}, "description": "orderId from getOrders"},
			}, "siteCd", "orderId"),
			Mutating: true,
			handler: bind(func(ctx context.Context, s booking.Session, a *cancelArgs) (*booking.Envelope, error) {
				return s.Cancel(ctx, string(a.SiteCd), string(a.OrderID))
			}),
		},
		{
			Name:        ToolGetOrders,
			Description: "List the customer's open appointments with their orderId.",
			Parameters:  object(map[string]interface{}{}),
			handler: bind(func(ctx context.Context, s booking.Session, _ *noArgs) (*booking.Envelope, error) {
				return s.GetOrders(ctx)
			}),
		},
		{
			Name:        ToolGetProfile,
			Description: "Read the customer's profile. Call this first in every new conversation.",
			Parameters:  object(map[string]interface{}{}),
			handler: bind(func(ctx context.Context, s booking.Session, _ *noArgs) (*booking.Envelope, error) {
				return s.GetProfile(ctx)
			}),
		},
		{
			Name: ToolStoreProfile,
			Description: "Create the customer's profile. Requires the full name and explicit consent to the " +
				"privacy policy (dplAccepted=true).",
			Parameters: object(map[string]interface{}{
				"fullNm":       str("First and last name"),
				"email":        str("Optional e-mail address"),
				"salutationCd": map[string]interface{}{"type": "string", "enum": salutationCodes},
				"dplAccepted":  map[string]interface{}{"type": "boolean", "description": "Customer accepted the privacy policy"},
			}, "fullNm", "dplAccepted"),
			Mutating: true,
			handler: bind(func(ctx context.Context, s booking.Session, a *storeProfileArgs) (*booking.Envelope, error) {
				return s.StoreProfile(ctx, booking.ProfileData{
					FullNm: a.FullNm, Email: a.Email, SalutationCd: a.SalutationCd, DplAccepted: a.DplAccepted,
				})
			}),
		},
		{
			Name:        ToolUpdateProfileName,
			Description: "Change the name stored in the customer's profile.",
			Parameters:  object(map[string]interface{}{"fullNm": str("First and last name")}, "fullNm"),
			Mutating:    true,
			handler: bind(func(ctx context.Context, s booking.Session, a *nameArgs) (*booking.Envelope, error) {
				return s.UpdateProfileName(ctx, a.FullNm)
			}),
		},
		{
			Name:        ToolUpdateProfileEmail,
			Description: "Change the e-mail address stored in the customer's profile.",
			Parameters:  object(map[string]interface{}{"email": str("E-mail address")}, "email"),
			Mutating:    true,
			handler: bind(func(ctx context.Context, s booking.Session, a *emailArgs) (*booking.Envelope, error) {
				return s.UpdateProfileEmail(ctx, a.Email)
			}),
		},
		{
			Name:        ToolUpdateProfileSalutation,
			Description: "Change the salutation stored in the customer's profile.",
			Parameters: object(map[string]interface{}{
				"salutationCd": map[string]interface{}{"type": "string", "enum": salutationCodes},
			}, "salutationCd"),
			Mutating: true,
			handler: bind(func(ctx context.Context, s booking.Session, a *salutationArgs) (*booking.Envelope, error) {
				return s.UpdateProfileSalutation(ctx, a.SalutationCd)
			}),
		},
		{
			Name:        ToolUpdateDataProtection,
			Description: "Record whether the customer accepts the privacy policy.",
			Parameters: object(map[string]interface{}{
				"dplAccepted": map[string]interface{}{"type": "boolean"},
			}, "dplAccepted"),
			Mutating: true,
			handler: bind(func(ctx context.Context, s booking.Session, a *dataProtectionArgs) (*booking.Envelope, error) {
				return s.UpdateDataProtection(ctx, *a.DplAccepted)
			}),
		},
	}
}

// restorePositions shifts beginTs values back to backend time.
func restorePositions(positions []booking.Position) ([]booking.Position, error) {
	raw, err := json.Marshal(positions)
	if err != nil {
		return nil, err
	}
	restored, err := booking.RestoreTimestamps(raw)
	if err != nil {
		return nil, err
	}
	var out []booking.Position
	if err := json.Unmarshal(restored, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// hintWhenEmpty attaches a hint when a suggestion result holds no slots.
func hintWhenEmpty(body []byte) ([]byte, error) {
	data := gjson.ParseBytes(body)
	for _, key := range []string{"data", "suggestions", "result"} {
		if v := gjson.GetBytes(body, key); v.Exists() {
			data = v
			break
		}
	}
	empty := !data.Exists() || data.Type == gjson.Null ||
		(data.IsArray() && len(data.Array()) == 0) ||
		(data.IsObject() && len(data.Map()) == 0)
	if !empty {
		return body, nil
	}
	if !gjson.ParseBytes(body).IsObject() {
		return json.Marshal(map[string]interface{}{"data": []interface{}{}, "hint": emptySuggestionHint})
	}
	return sjson.SetBytes(body, "hint", emptySuggestionHint)
}
