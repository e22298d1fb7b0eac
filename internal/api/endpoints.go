package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"

	"github.com/appunture/offlinesync/internal/model"
)

type pointsEnvelope struct {
	Points []model.Point `json:"points"`
}

type pointEnvelope struct {
	Point *model.Point `json:"point"`
}

type noteEnvelope struct {
	Note *model.Note `json:"note"`
}

// HealthCheck pings the server root health endpoint once, without retry.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, c.healthURL(), nil, "", nil); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	return nil
}

// --- favorites ---------------------------------------------------------------

// GetFavorites returns the signed-in user's favorite points.
func (c *Client) GetFavorites(ctx context.Context) ([]model.Point, error) {
	var env pointsEnvelope
	if err := c.get(ctx, "/auth/favorites", &env); err != nil {
		return nil, fmt.Errorf("get favorites: %w", err)
	}
	return env.Points, nil
}

func (c *Client) AddFavorite(ctx context.Context, pointID string) error {
	if err := c.doJSON(ctx, http.MethodPost, "/auth/favorites/"+url.PathEscape(pointID), nil, nil); err != nil {
		return fmt.Errorf("add favorite %s: %w", pointID, err)
	}
	return nil
}

func (c *Client) RemoveFavorite(ctx context.Context, pointID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/auth/favorites/"+url.PathEscape(pointID), nil, nil); err != nil {
		return fmt.Errorf("remove favorite %s: %w", pointID, err)
	}
	return nil
}

// --- points ------------------------------------------------------------------

// GetPoints fetches a page of points. Zero fields of q are omitted.
func (c *Client) GetPoints(ctx context.Context, q model.PointQuery) ([]model.Point, error) {
	params := url.Values{}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Page > 0 {
		params.Set("page", strconv.Itoa(q.Page))
	}
	if q.Meridian != "" {
		params.Set("meridian", q.Meridian)
	}
	path := "/points"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var env pointsEnvelope
	if err := c.get(ctx, path, &env); err != nil {
		return nil, fmt.Errorf("get points: %w", err)
	}
	return env.Points, nil
}

// GetPoint fetches one point. A missing point yields an [*Error] whose
// NotFound reports true.
func (c *Client) GetPoint(ctx context.Context, id string) (*model.Point, error) {
	var env pointEnvelope
	if err := c.get(ctx, "/points/"+url.PathEscape(id), &env); err != nil {
		return nil, fmt.Errorf("get point %s: %w", id, err)
	}
	return env.Point, nil
}

func (c *Client) CreatePoint(ctx context.Context, p *model.Point) (*model.Point, error) {
	var env pointEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/points", p, &env); err != nil {
		return nil, fmt.Errorf("create point %q: %w", p.Name, err)
	}
	if env.Point == nil {
		return nil, fmt.Errorf("create point %q: response carried no point", p.Name)
	}
	return env.Point, nil
}

// UpdatePoint replaces a point. The returned point may be nil when the server
// answers without a body.
func (c *Client) UpdatePoint(ctx context.Context, id string, p *model.Point) (*model.Point, error) {
	var env pointEnvelope
	if err := c.doJSON(ctx, http.MethodPut, "/points/"+url.PathEscape(id), p, &env); err != nil {
		return nil, fmt.Errorf("update point %s: %w", id, err)
	}
	return env.Point, nil
}

// AddImageToPoint attaches an uploaded image URL to a point and returns the
// updated point.
func (c *Client) AddImageToPoint(ctx context.Context, pointID, imageURL string) (*model.Point, error) {
	body := struct {
		ImageURLs []string `json:"imageUrls"`
	}{ImageURLs: []string{imageURL}}

	var env pointEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/points/"+url.PathEscape(pointID)+"/images", body, &env); err != nil {
		return nil, fmt.Errorf("attach image to point %s: %w", pointID, err)
	}
	return env.Point, nil
}

// --- symptoms ----------------------------------------------------------------

func (c *Client) GetSymptoms(ctx context.Context) ([]model.Symptom, error) {
	var env struct {
		Symptoms []model.Symptom `json:"symptoms"`
	}
	if err := c.get(ctx, "/symptoms", &env); err != nil {
		return nil, fmt.Errorf("get symptoms: %w", err)
	}
	return env.Symptoms, nil
}

// --- notes -------------------------------------------------------------------

type noteBody struct {
	PointID string `json:"point_id,omitempty"`
	Content string `json:"content"`
}

func (c *Client) CreateNote(ctx context.Context, pointID, content string) (*model.Note, error) {
	var env noteEnvelope
	if err := c.doJSON(ctx, http.MethodPost, "/notes", noteBody{PointID: pointID, Content: content}, &env); err != nil {
		return nil, fmt.Errorf("create note on point %s: %w", pointID, err)
	}
	if env.Note == nil {
		return nil, fmt.Errorf("create note on point %s: response carried no note", pointID)
	}
	return env.Note, nil
}

func (c *Client) UpdateNote(ctx context.Context, remoteID, content string) (*model.Note, error) {
	var env noteEnvelope
	if err := c.doJSON(ctx, http.MethodPut, "/notes/"+url.PathEscape(remoteID), noteBody{Content: content}, &env); err != nil {
		return nil, fmt.Errorf("update note %s: %w", remoteID, err)
	}
	return env.Note, nil
}

func (c *Client) DeleteNote(ctx context.Context, remoteID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/notes/"+url.PathEscape(remoteID), nil, nil); err != nil {
		return fmt.Errorf("delete note %s: %w", remoteID, err)
	}
	return nil
}

// --- search history ----------------------------------------------------------

func (c *Client) LogSearchHistory(ctx context.Context, query string, typ model.SearchType) error {
	body := struct {
		Query string           `json:"query"`
		Type  model.SearchType `json:"type"`
	}{query, typ}
	if err := c.doJSON(ctx, http.MethodPost, "/search/history", body, nil); err != nil {
		return fmt.Errorf("log search %q: %w", query, err)
	}
	return nil
}

// --- media -------------------------------------------------------------------

// UploadFile sends r as the multipart field "file" and returns the public URL
// the server stored it under.
func (c *Client) UploadFile(ctx context.Context, name, contentType string, r io.Reader) (string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		return "", fmt.Errorf("upload %s: create part: %w", name, err)
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", fmt.Errorf("upload %s: copy body: %w", name, err)
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("upload %s: close multipart: %w", name, err)
	}

	var out struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, c.baseURL+"/upload", &buf, mw.FormDataContentType(), &out); err != nil {
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if out.URL == "" {
		return "", fmt.Errorf("upload %s: response carried no url", name)
	}
	return out.URL, nil
}
