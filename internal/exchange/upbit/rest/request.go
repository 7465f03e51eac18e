package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"trendbot/internal/exchange"

	"github.com/sirupsen/logrus"
)

func (c *Client) doRequest(ctx context.Context, method, path string, params url.Values, auth bool, out any) error {
	var bodyReader io.Reader
	urlStr := c.baseURL + path

	if method == http.MethodPost {
		body := map[string]string{}
		for k := range params {
			body[k] = params.Get(k)
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("Не удалось подготовить тело запроса: %w", err)
		}
		bodyReader = bytes.NewReader(payload)
	} else if len(params) > 0 {
		urlStr += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bodyReader)
	if err != nil {
		return fmt.Errorf("Не удалось создать запрос: %w", err)
	}

	if auth {
		query, err := url.QueryUnescape(params.Encode())
		if err != nil {
			return fmt.Errorf("%w: %v", exchange.ErrSigning, err)
		}
		token, err := c.token(query)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	req.Header.Set("Accept", "application/json")
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("Ошибка запроса: %w", err)
	}
	defer resp.Body.Close()

	c.logRemaining(path, resp.Header.Get("Remaining-Req"))

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("Не удалось прочитать ответ: %w", err)
	}

	if resp.StatusCode >= 400 {
		return decodeError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("Не удалось разобрать ответ: %w", err)
	}
	return nil
}

func decodeError(status int, data []byte) error {
	apiErr := &exchange.APIError{StatusCode: status}

	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil {
		apiErr.Name = strings.Trim(string(body.Error.Name), `"`)
		apiErr.Message = body.Error.Message
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}

type remainingReq struct {
	Group string
	Min   int
	Sec   int
}

func parseRemainingReq(header string) (remainingReq, bool) {
	if header == "" {
		return remainingReq{}, false
	}

	var r remainingReq
	for _, part := range strings.Split(header, ";") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "group":
			r.Group = value
		case "min":
			r.Min, _ = strconv.Atoi(value)
		case "sec":
			r.Sec, _ = strconv.Atoi(value)
		}
	}
	return r, r.Group != ""
}

func (c *Client) logRemaining(path, header string) {
	r, ok := parseRemainingReq(header)
	if !ok {
		return
	}

	entry := c.log.WithFields(logrus.Fields{
		"component": "upbit_rest",
		"path":      path,
		"group":     r.Group,
		"sec":       r.Sec,
	})
	if r.Sec <= 1 {
		entry.Warn("Лимит запросов почти исчерпан.")
		return
	}
	entry.Debug("Остаток лимита запросов.")
}
