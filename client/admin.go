package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/nzlov/relay/message"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

type Result[T any] struct {
	Code string `json:"code"`
	Data T      `json:"data"`
}

func do[T any](req *http.Request) (T, error) {
	var zero T
	resp, err := httpClient.Do(req)
	if err != nil {
		return zero, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return zero, err
	}
	result := Result[T]{}
	if err := json.Unmarshal(body, &result); err != nil {
		return zero, fmt.Errorf("%s: %s", resp.Status, body)
	}
	if result.Code != "0" {
		return result.Data, fmt.Errorf("%s: code %s: %v", resp.Status, result.Code, result.Data)
	}
	return result.Data, nil
}

// History reads stored messages of channel from the admin service.
func History(base, channel string, after uint64, limit int) ([]message.Message, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath("channels", channel, "messages")
	u.RawQuery = url.Values{
		"after": {strconv.FormatUint(after, 10)},
		"limit": {strconv.Itoa(limit)},
	}.Encode()

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return do[[]message.Message](req)
}

// Post sends content to channel as user through the admin service and
// returns the assigned message id.
func Post(base, channel, user, content string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	u = u.JoinPath("channels", channel, "messages")

	body, err := json.Marshal(map[string]string{"userId": user, "content": content})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequest(http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	return do[string](req)
}
