// Package vision is the image-classification collaborator boundary.
// The engine only ever consumes a single boolean: does this photo
// clearly show a person.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Detector answers whether a photo clearly contains a human. Latency
// and availability are the implementation's concern; callers treat an
// error as "no".
type Detector interface {
	DetectsHuman(ctx context.Context, photo []byte) (bool, error)
}

// Static always answers the same verdict. Useful in tests and as the
// disabled-classifier default.
type Static bool

func (s Static) DetectsHuman(context.Context, []byte) (bool, error) { return bool(s), nil }

// Gemini asks the Gemini vision endpoint for a YES/NO verdict on the
// inlined image.
type Gemini struct {
	apiKey string
	client *http.Client
}

func NewGemini(apiKey string, timeout time.Duration) *Gemini {
	return &Gemini{
		apiKey: apiKey,
		client: &http.Client{Timeout: timeout},
	}
}

const geminiURL = "https://generativelanguage.googleapis.com/v1beta/models/gemini-1.5-flash:generateContent"

func (g *Gemini) DetectsHuman(ctx context.Context, photo []byte) (bool, error) {
	if g.apiKey == "" {
		return false, nil
	}

	payload := map[string]interface{}{
		"contents": []map[string]interface{}{{
			"parts": []map[string]interface{}{
				{"text": "Is there a human face or person clearly visible in this image? Answer only 'YES' or 'NO'."},
				{"inline_data": map[string]string{
					"mime_type": "image/jpeg",
					"data":      base64.StdEncoding.EncodeToString(photo),
				}},
			},
		}},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, geminiURL+"?key="+g.apiKey, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return false, fmt.Errorf("vision request failed: status %d: %s", resp.StatusCode, msg)
	}

	var parsed struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return false, err
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return false, fmt.Errorf("vision response missing candidates")
	}

	verdict := strings.ToUpper(strings.TrimSpace(parsed.Candidates[0].Content.Parts[0].Text))
	return strings.Contains(verdict, "YES"), nil
}
