// Package dmc talks to the platform's session-oriented delivery API: it
// creates streaming sessions and keeps them alive while media is fetched.
package dmc

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/iconidentify/nicograb/internal/domain"
)

// Format selects the wire encoding of session requests.
type Format string

const (
	FormatXML  Format = "xml"
	FormatJSON Format = "json"
)

func (f Format) contentType() string {
	if f == FormatJSON {
		return "application/json"
	}
	return "application/xml"
}

// Session is a negotiated streaming session.
type Session struct {
	ID         string
	ContentURI string
	Format     Format
	APIURL     string
	// Payload is the session document sent back on the next heartbeat.
	Payload []byte
}

// Client creates and refreshes sessions.
type Client struct {
	httpClient *http.Client
	userAgent  string
	logger     *slog.Logger
}

// NewClient returns a client sending requests through httpClient, which is
// expected to carry the account's cookies.
func NewClient(httpClient *http.Client, userAgent string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		userAgent:  userAgent,
		logger:     slog.Default(),
	}
}

// SetLogger sets the logger for request tracing.
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// Negotiate creates a session for v and returns the media URL to download.
// Failures wrap domain.ErrNegotiation and are not retried.
func (c *Client) Negotiate(ctx context.Context, v *domain.Video, format Format) (*Session, error) {
	if format == "" {
		format = FormatXML
	}
	if !v.DMC.Complete() {
		return nil, fmt.Errorf("%w: incomplete session parameters", domain.ErrNegotiation)
	}

	body, err := buildRequest(v, format)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %w", domain.ErrNegotiation, err)
	}

	endpoint, err := withQuery(v.DMC.APIURL, url.Values{"_format": {string(format)}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNegotiation, err)
	}

	data, err := c.post(ctx, endpoint, format, body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNegotiation, err)
	}

	s, err := parseResponse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrNegotiation, err)
	}
	if s.ContentURI == "" {
		return nil, fmt.Errorf("%w: response has no content_uri", domain.ErrNegotiation)
	}
	if s.ID == "" {
		return nil, fmt.Errorf("%w: response has no session id", domain.ErrNegotiation)
	}
	s.APIURL = v.DMC.APIURL

	c.logger.Debug("session created", "video_id", v.ID, "session_id", s.ID, "format", format)
	return s, nil
}

// Heartbeat sends s back to the server to extend its validity and returns
// the refreshed session. Failures wrap domain.ErrHeartbeat.
func (c *Client) Heartbeat(ctx context.Context, s *Session) (*Session, error) {
	base, err := url.JoinPath(s.APIURL, s.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHeartbeat, err)
	}
	// The API takes PUT as a method override on POST.
	endpoint, err := withQuery(base, url.Values{"_format": {string(s.Format)}, "_method": {"PUT"}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHeartbeat, err)
	}

	data, err := c.post(ctx, endpoint, s.Format, s.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHeartbeat, err)
	}

	next, err := parseResponse(data, s.Format)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrHeartbeat, err)
	}
	if next.ID == "" {
		next.ID = s.ID
	}
	if next.ContentURI == "" {
		next.ContentURI = s.ContentURI
	}
	next.APIURL = s.APIURL
	return next, nil
}

func (c *Client) post(ctx context.Context, endpoint string, format Format, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", format.contentType())
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, truncate(data, 200))
	}
	return data, nil
}

func withQuery(raw string, q url.Values) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse api url: %w", err)
	}
	values := u.Query()
	for k, v := range q {
		values[k] = v
	}
	u.RawQuery = values.Encode()
	return u.String(), nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// xmlResponse picks the fields of an XML session response.
type xmlResponse struct {
	ID         string `xml:"data>session>id"`
	ContentURI string `xml:"data>session>content_uri"`
}

func parseResponse(data []byte, format Format) (*Session, error) {
	s := &Session{Format: format}

	if format == FormatJSON {
		if !gjson.ValidBytes(data) {
			return nil, fmt.Errorf("invalid JSON response")
		}
		session := gjson.GetBytes(data, "data.session")
		if !session.IsObject() {
			return nil, fmt.Errorf("response has no session object")
		}
		s.ID = session.Get("id").String()
		s.ContentURI = session.Get("content_uri").String()
		s.Payload = []byte(`{"session":` + session.Raw + `}`)
		return s, nil
	}

	var resp xmlResponse
	if err := xml.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode XML response: %w", err)
	}
	s.ID = strings.TrimSpace(resp.ID)
	s.ContentURI = strings.TrimSpace(resp.ContentURI)

	payload, ok := sessionElement(data)
	if !ok {
		return nil, fmt.Errorf("response has no session element")
	}
	s.Payload = payload
	return s, nil
}

// sessionElement returns the <session>...</session> element of an XML
// response document.
func sessionElement(data []byte) ([]byte, bool) {
	start := bytes.Index(data, []byte("<session>"))
	end := bytes.LastIndex(data, []byte("</session>"))
	if start < 0 || end < start {
		return nil, false
	}
	return data[start : end+len("</session>")], true
}

const (
	contentType      = "movie"
	serviceID        = "nicovideo"
	maxContentCount  = 10
	timingConstraint = "unlimited"
	protocolName     = "http"
)

// xmlRequest is the XML session creation document.
type xmlRequest struct {
	XMLName       xml.Name `xml:"session"`
	RecipeID      string   `xml:"recipe_id"`
	ContentID     string   `xml:"content_id"`
	ContentType   string   `xml:"content_type"`
	Protocol      string   `xml:"protocol>name"`
	Method        string   `xml:"protocol>parameters>http_parameters>method"`
	FileExtension string   `xml:"protocol>parameters>http_parameters>parameters>http_output_download_parameters>file_extension"`
	Priority      float64  `xml:"priority"`
	VideoSrcIDs   []string `xml:"content_src_id_sets>content_src_id_set>content_src_ids>src_id_to_mux>video_src_ids>string"`
	AudioSrcIDs   []string `xml:"content_src_id_sets>content_src_id_set>content_src_ids>src_id_to_mux>audio_src_ids>string"`
	Lifetime      int64    `xml:"keep_method>heartbeat>lifetime"`
	Timing        string   `xml:"timing_constraint"`
	Token         string   `xml:"session_operation_auth>session_operation_auth_by_signature>token"`
	Signature     string   `xml:"session_operation_auth>session_operation_auth_by_signature>signature"`
	AuthType      string   `xml:"content_auth>auth_type"`
	ServiceID     string   `xml:"content_auth>service_id"`
	ServiceUserID string   `xml:"content_auth>service_user_id"`
	MaxContent    int      `xml:"content_auth>max_content_count"`
	KeyTimeout    int64    `xml:"content_auth>content_key_timeout"`
	PlayerID      string   `xml:"client_info>player_id"`
}

// jsonRequest is the JSON session creation document.
type jsonRequest struct {
	Session jsonSession `json:"session"`
}

type jsonSession struct {
	RecipeID         string            `json:"recipe_id"`
	ContentID        string            `json:"content_id"`
	ContentType      string            `json:"content_type"`
	ContentSrcIDSets []jsonSrcIDSet    `json:"content_src_id_sets"`
	TimingConstraint string            `json:"timing_constraint"`
	KeepMethod       jsonKeepMethod    `json:"keep_method"`
	Protocol         jsonProtocol      `json:"protocol"`
	ContentURI       string            `json:"content_uri"`
	SessionOperation jsonOperationAuth `json:"session_operation_auth"`
	ContentAuth      jsonContentAuth   `json:"content_auth"`
	ClientInfo       jsonClientInfo    `json:"client_info"`
	Priority         float64           `json:"priority"`
}

type jsonSrcIDSet struct {
	ContentSrcIDs []jsonSrcIDs `json:"content_src_ids"`
}

type jsonSrcIDs struct {
	SrcIDToMux struct {
		VideoSrcIDs []string `json:"video_src_ids"`
		AudioSrcIDs []string `json:"audio_src_ids"`
	} `json:"src_id_to_mux"`
}

type jsonKeepMethod struct {
	Heartbeat struct {
		Lifetime int64 `json:"lifetime"`
	} `json:"heartbeat"`
}

type jsonProtocol struct {
	Name       string `json:"name"`
	Parameters struct {
		HTTPParameters struct {
			Parameters struct {
				HTTPOutputDownloadParameters struct {
					FileExtension string `json:"file_extension"`
				} `json:"http_output_download_parameters"`
			} `json:"parameters"`
		} `json:"http_parameters"`
	} `json:"parameters"`
}

type jsonOperationAuth struct {
	BySignature struct {
		Token     string `json:"token"`
		Signature string `json:"signature"`
	} `json:"session_operation_auth_by_signature"`
}

type jsonContentAuth struct {
	AuthType          string `json:"auth_type"`
	MaxContentCount   int    `json:"max_content_count"`
	ContentKeyTimeout int64  `json:"content_key_timeout"`
	ServiceID         string `json:"service_id"`
	ServiceUserID     string `json:"service_user_id"`
}

type jsonClientInfo struct {
	PlayerID string `json:"player_id"`
}

func buildRequest(v *domain.Video, format Format) ([]byte, error) {
	p := v.DMC
	if format == FormatJSON {
		var src jsonSrcIDs
		src.SrcIDToMux.VideoSrcIDs = p.VideoSrcIDs
		src.SrcIDToMux.AudioSrcIDs = p.AudioSrcIDs

		s := jsonSession{
			RecipeID:         p.RecipeID,
			ContentID:        p.ContentID,
			ContentType:      contentType,
			ContentSrcIDSets: []jsonSrcIDSet{{ContentSrcIDs: []jsonSrcIDs{src}}},
			TimingConstraint: timingConstraint,
			ContentAuth: jsonContentAuth{
				AuthType:          p.AuthType,
				MaxContentCount:   maxContentCount,
				ContentKeyTimeout: p.ContentKeyTimeout,
				ServiceID:         serviceID,
				ServiceUserID:     p.ServiceUserID,
			},
			ClientInfo: jsonClientInfo{PlayerID: p.PlayerID},
			Priority:   p.Priority,
		}
		s.KeepMethod.Heartbeat.Lifetime = p.HeartbeatLifetime
		s.Protocol.Name = protocolName
		s.Protocol.Parameters.HTTPParameters.Parameters.HTTPOutputDownloadParameters.FileExtension = v.MovieType
		s.SessionOperation.BySignature.Token = p.Token
		s.SessionOperation.BySignature.Signature = p.Signature
		return json.Marshal(jsonRequest{Session: s})
	}

	return xml.Marshal(xmlRequest{
		RecipeID:      p.RecipeID,
		ContentID:     p.ContentID,
		ContentType:   contentType,
		Protocol:      protocolName,
		Method:        http.MethodGet,
		FileExtension: v.MovieType,
		Priority:      p.Priority,
		VideoSrcIDs:   p.VideoSrcIDs,
		AudioSrcIDs:   p.AudioSrcIDs,
		Lifetime:      p.HeartbeatLifetime,
		Timing:        timingConstraint,
		Token:         p.Token,
		Signature:     p.Signature,
		AuthType:      p.AuthType,
		ServiceID:     serviceID,
		ServiceUserID: p.ServiceUserID,
		MaxContent:    maxContentCount,
		KeyTimeout:    p.ContentKeyTimeout,
		PlayerID:      p.PlayerID,
	})
}
