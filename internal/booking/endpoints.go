package booking

import (
	"context"
	"encoding/json"
)

// Endpoint paths.
const (
	PathGetSites                = "/browse/getSites"
	PathGetProducts             = "/browse/getProducts"
	PathGetEmployees            = "/browse/getEmployees"
	PathGetSuggestions          = "/browse/getSuggestions"
	PathGetProfile              = "/bot/getProfile"
	PathGetOrders               = "/bot/getOrders"
	PathStoreProfileData        = "/bot/storeProfileData"
	PathUpdateProfileName       = "/bot/updateProfileName"
	PathUpdateProfileEmail      = "/bot/updateProfileEmail"
	PathUpdateProfileSalutation = "/bot/updateProfileSalutation"
	PathUpdateDataProtection    = "/bot/updateDataProtection"
	PathBook                    = "/bot/book"
	PathCancel                  = "/bot/cancel"
)

// Position is one service line item. Fields beyond itemNo are carried
// verbatim from a suggestion, so it stays an open JSON object.
type Position map[string]json.RawMessage

type siteRequest struct {
	SiteCd string `json:"siteCd"`
}

type employeesRequest struct {
	SiteCd string   `json:"siteCd"`
	Week   int      `json:"week"`
	Items  []string `json:"items"`
}

type suggestionsRequest struct {
	SiteCd           string     `json:"siteCd"`
	Week             int        `json:"week"`
	Positions        []Position `json:"positions"`
	DateSearchString []string   `json:"dateSearchString,omitempty"`
}

type bookRequest struct {
	SiteCd    string     `json:"siteCd"`
	Positions []Position `json:"positions"`
}

type cancelRequest struct {
	SiteCd  string `json:"siteCd"`
	OrderID string `json:"orderId"`
}

// ProfileData is the payload for creating a customer profile.
type ProfileData struct {
	FullNm       string `json:"fullNm"`
	Email        string `json:"email,omitempty"`
	SalutationCd string `json:"salutationCd,omitempty"`
	DplAccepted  bool   `json:"dplAccepted"`
}

// Session binds a client to one tenant and one customer.
type Session struct {
	Client   *Client
	Creds    Credentials
	Customer string
}

func (s Session) call(ctx context.Context, path string, body interface{}) (*Envelope, error) {
	return s.Client.Call(ctx, s.Creds, s.Customer, path, body)
}

func (s Session) GetSites(ctx context.Context) (*Envelope, error) {
	return s.call(ctx, PathGetSites, nil)
}

func (s Session) GetProducts(ctx context.Context, siteCd string) (*Envelope, error) {
	return s.call(ctx, PathGetProducts, siteRequest{SiteCd: siteCd})
}

func (s Session) GetEmployees(ctx context.Context, siteCd string, week int, items []string) (*Envelope, error) {
	return s.call(ctx, PathGetEmployees, employeesRequest{SiteCd: siteCd, Week: week, Items: items})
}

func (s Session) GetSuggestions(ctx context.Context, siteCd string, week int, positions []Position, dateSearch []string) (*Envelope, error) {
	return s.call(ctx, PathGetSuggestions, suggestionsRequest{SiteCd: siteCd, Week: week, Positions: positions, DateSearchString: dateSearch})
}

func (s Session) GetProfile(ctx context.Context) (*Envelope, error) {
	return s.call(ctx, PathGetProfile, nil)
}

func (s Session) GetOrders(ctx context.Context) (*Envelope, error) {
	return s.call(ctx, PathGetOrders, nil)
}

func (s Session) StoreProfile(ctx context.Context, p ProfileData) (*Envelope, error) {
	return s.call(ctx, PathStoreProfileData, p)
}

func (s Session) UpdateProfileName(ctx context.Context, fullNm string) (*Envelope, error) {
	return s.call(ctx, PathUpdateProfileName, map[string]string{"fullNm": fullNm})
}

func (s Session) UpdateProfileEmail(ctx context.Context, email string) (*Envelope, error) {
	return s.call(ctx, PathUpdateProfileEmail, map[string]string{"email": email})
}

func (s Session) UpdateProfileSalutation(ctx context.Context, salutationCd string) (*Envelope, error) {
	return s.call(ctx, PathUpdateProfileSalutation, map[string]string{"salutationCd": salutationCd})
}

func (s Session) UpdateDataProtection(ctx context.Context, accepted bool) (*Envelope, error) {
	return s.call(ctx, PathUpdateDataProtection, map[string]bool{"dplAccepted": accepted})
}

// Book submits positions whose timestamps are already restored to backend time.
func (s Session) Book(ctx context.Context, siteCd string, positions []Position) (*Envelope, error) {
	return s.call(ctx, PathBook, bookRequest{SiteCd: siteCd, Positions: positions})
}

func (s Session) Cancel(ctx context.Context, siteCd, orderID string) (*Envelope, error) {
	return s.call(ctx, PathCancel, cancelRequest{SiteCd: siteCd, OrderID: orderID})
}
