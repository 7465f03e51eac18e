package rest

import (
	"net/http"
	"strings"
	"time"
	"trendbot/internal/logger"
)

type Client struct {
	baseURL    string
	accessKey  string
	secretKey  string
	httpClient *http.Client
	log        *logger.Logger
}

func New(baseURL, accessKey, secretKey string, timeout time.Duration, log *logger.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		accessKey: accessKey,
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}
