package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/BTreeMap/SalonPipe/internal/booking"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Salutation codes accepted by the backend.
var salutationCodes = []interface{}{"na", "male", "female", "diverse"}

// dateSearchPattern matches day-of-month search strings such as "21T" or "3T".
var dateSearchPattern = regexp.MustCompile(`^(0?[1-9]|[12][0-9]|3[01])T?$`)

// flexID accepts identifiers the model may send as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected a string or number, got %s", string(b))
	}
	*f = flexID(n.String())
	return nil
}

type siteArgs struct {
	SiteCd flexID `json:"siteCd"`
}

func (a *siteArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SiteCd, validation.Required, validation.Length(1, 32)),
	)
}

type employeesArgs struct {
	SiteCd flexID   `json:"siteCd"`
	Week   *int     `json:"week"`
	Items  []flexID `json:"items"`
}

func (a *employeesArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SiteCd, validation.Required, validation.Length(1, 32)),
		validation.Field(&a.Week, validation.NotNil, validation.Min(0), validation.Max(52)),
		validation.Field(&a.Items, validation.Required, validation.Length(1, 10),
			validation.Each(validation.Required, validation.Length(1, 32))),
	)
}

func (a *employeesArgs) items() []string {
	out := make([]string, len(a.Items))
	for i, it := range a.Items {
		out[i] = string(it)
	}
	return out
}

// positionRule checks a position object carries the given keys.
func positionRule(keys ...string) validation.Rule {
	return validation.By(func(value interface{}) error {
		p, _ := value.(booking.Position)
		for _, k := range keys {
			raw, ok := p[k]
			if !ok || len(raw) == 0 || string(raw) == "null" || string(raw) == `""` {
				return fmt.Errorf("%s is required", k)
			}
		}
		return nil
	})
}

type suggestionArgs struct {
	SiteCd           flexID             `json:"siteCd"`
	Week             *int               `json:"week"`
	Positions        []booking.Position `json:"positions"`
	DateSearchString []string           `json:"dateSearchString"`
}

func (a *suggestionArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SiteCd, validation.Required, validation.Length(1, 32)),
		validation.Field(&a.Week, validation.NotNil, validation.Min(0), validation.Max(52)),
		validation.Field(&a.Positions, validation.Required, validation.Length(1, 10),
			validation.Each(positionRule("itemNo"))),
		validation.Field(&a.DateSearchString, validation.Length(0, 7),
			validation.Each(validation.Required, validation.Match(dateSearchPattern).
				Error("must be a day of month followed by T, e.g. 21T"))),
	)
}

type bookArgs struct {
	SiteCd    flexID             `json:"siteCd"`
	Positions []booking.Position `json:"positions"`
}

func (a *bookArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SiteCd, validation.Required, validation.Length(1, 32)),
		validation.Field(&a.Positions, validation.Required, validation.Length(1, 10),
			validation.Each(positionRule("itemNo", "beginTs"))),
	)
}

type cancelArgs struct {
	SiteCd  flexID `json:"siteCd"`
	OrderID flexID `json:"orderId"`
}

func (a *cancelArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SiteCd, validation.Required, validation.Length(1, 32)),
		validation.Field(&a.OrderID, validation.Required, validation.Length(1, 64)),
	)
}

type noArgs struct{}

func (a *noArgs) Validate() error { return nil }

type storeProfileArgs struct {
	FullNm       string `json:"fullNm"`
	Email        string `json:"email"`
	SalutationCd string `json:"salutationCd"`
	DplAccepted  bool   `json:"dplAccepted"`
}

func (a *storeProfileArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.FullNm, validation.Required, validation.Length(3, 100),
			validation.By(requireTwoWords)),
		validation.Field(&a.Email, validation.Length(0, 254), is.EmailFormat),
		validation.Field(&a.SalutationCd, validation.In(salutationCodes...)),
		validation.Field(&a.DplAccepted, validation.Required.Error("the customer must accept the privacy policy")),
	)
}

func requireTwoWords(value interface{}) error {
	s, _ := value.(string)
	if len(strings.Fields(s)) < 2 {
		return fmt.Errorf("must contain first and last name")
	}
	return nil
}

type nameArgs struct {
	FullNm string `json:"fullNm"`
}

func (a *nameArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.FullNm, validation.Required, validation.Length(3, 100), validation.By(requireTwoWords)),
	)
}

type emailArgs struct {
	Email string `json:"email"`
}

func (a *emailArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.Email, validation.Required, validation.Length(3, 254), is.EmailFormat),
	)
}

type salutationArgs struct {
	SalutationCd string `json:"salutationCd"`
}

func (a *salutationArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.SalutationCd, validation.Required, validation.In(salutationCodes...)),
	)
}

type dataProtectionArgs struct {
	DplAccepted *bool `json:"dplAccepted"`
}

func (a *dataProtectionArgs) Validate() error {
	return validation.ValidateStruct(a,
		validation.Field(&a.DplAccepted, validation.NotNil),
	)
}
