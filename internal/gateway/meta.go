package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/guonaihong/gout"
	"github.com/pkg/errors"
)

// MetaClient validates credentials for the official Graph API connection
// path. It only ever reads; message traffic on that path is brokered by the
// platform itself.
type MetaClient struct {
	baseURL string
	timeout time.Duration
}

func NewMetaClient(baseURL string, timeout time.Duration) *MetaClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &MetaClient{baseURL: baseURL, timeout: timeout}
}

// PhoneNumberInfo is the subset of Graph phone-number fields the dashboard
// shows after validation.
type PhoneNumberInfo struct {
	ID                 string `json:"id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
	VerifiedName       string `json:"verified_name"`
	QualityRating      string `json:"quality_rating"`
}

// ValidatePhoneNumber checks a phone-number ID against the Graph API with
// the tenant's access token.
func (c *MetaClient) ValidatePhoneNumber(ctx context.Context, phoneNumberID, accessToken string) (*PhoneNumberInfo, error) {
	var (
		code int
		out  PhoneNumberInfo
	)
	err := gout.GET(fmt.Sprintf("%s/%s", c.baseURL, phoneNumberID)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetQuery(gout.H{"fields": "id,display_phone_number,verified_name,quality_rating"}).
		SetHeader(gout.H{"Authorization": "Bearer " + accessToken}).
		Code(&code).
		BindJSON(&out).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "meta: phone number lookup")
	}
	if code < 200 || code > 299 {
		return nil, errors.Errorf("meta: phone number lookup returned status %d", code)
	}
	return &out, nil
}

// BusinessAccountInfo is the subset of WABA fields shown after validation.
type BusinessAccountInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	TimeZone string `json:"timezone_id"`
}

// ValidateBusinessAccount checks a WhatsApp Business Account ID.
func (c *MetaClient) ValidateBusinessAccount(ctx context.Context, wabaID, accessToken string) (*BusinessAccountInfo, error) {
	var (
		code int
		out  BusinessAccountInfo
	)
	err := gout.GET(fmt.Sprintf("%s/%s", c.baseURL, wabaID)).
		WithContext(ctx).
		SetTimeout(c.timeout).
		SetQuery(gout.H{"fields": "id,name,timezone_id"}).
		SetHeader(gout.H{"Authorization": "Bearer " + accessToken}).
		Code(&code).
		BindJSON(&out).
		Do()
	if err != nil {
		return nil, errors.Wrap(err, "meta: business account lookup")
	}
	if code < 200 || code > 299 {
		return nil, errors.Errorf("meta: business account lookup returned status %d", code)
	}
	return &out, nil
}
