package bili

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

var (
	titleRe    = regexp.MustCompile(`<title[^>]*>([^<]+)</title>`)
	playinfoRe = regexp.MustCompile(`window\.__playinfo__=({.*?})</script>`)
	pagesRe    = regexp.MustCompile(`共(\d+)P`)
)

// Client resolves a video page into downloadable stream references
type Client struct {
	httpClient *http.Client
	logger     *logrus.Logger
}

// VideoInfo is the metadata extracted from a video page
type VideoInfo struct {
	Title    string
	URL      string
	Pages    int
	VideoURL string
	AudioURL string
}

type playInfo struct {
	Data struct {
		Dash struct {
			Video []stream `json:"video"`
			Audio []stream `json:"audio"`
		} `json:"dash"`
	} `json:"data"`
}

type stream struct {
	BaseURL string `json:"baseUrl"`
}

// NewClient creates a metadata client
func NewClient(logger *logrus.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// GetVideoInfo fetches a video page and extracts its title, page count and
// stream URLs. Multi-part query parameters are stripped first so the page
// always describes part 1.
func (c *Client) GetVideoInfo(ctx context.Context, pageURL string) (*VideoInfo, error) {
	return c.fetchInfo(ctx, stripPageParam(pageURL))
}

// GetPageInfo fetches one page of a multi-part video. Pages past the first
// are addressed with the p query parameter, matching the site's paging.
func (c *Client) GetPageInfo(ctx context.Context, pageURL string, page int) (*VideoInfo, error) {
	u := stripPageParam(pageURL)
	if page > 1 {
		u = fmt.Sprintf("%s?p=%d", u, page)
	}
	return c.fetchInfo(ctx, u)
}

func stripPageParam(pageURL string) string {
	if idx := strings.Index(pageURL, "?p="); idx >= 0 {
		return pageURL[:idx]
	}
	return pageURL
}

func (c *Client) fetchInfo(ctx context.Context, pageURL string) (*VideoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("invalid video URL: %w", err)
	}
	req.Header.Set("User-Agent", defaultUserAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("video page returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read video page: %w", err)
	}

	info := &VideoInfo{URL: pageURL, Pages: 1, Title: "Unknown Title"}

	if m := titleRe.FindSubmatch(body); m != nil {
		info.Title = strings.TrimSpace(string(m[1]))
	}
	if m := pagesRe.FindSubmatch(body); m != nil {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > 0 {
			info.Pages = n
		}
	}

	m := playinfoRe.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("no playback info found on page %s", pageURL)
	}

	var pi playInfo
	if err := json.Unmarshal(m[1], &pi); err != nil {
		return nil, fmt.Errorf("failed to parse playback info: %w", err)
	}
	if len(pi.Data.Dash.Video) == 0 {
		return nil, fmt.Errorf("no video stream on page %s", pageURL)
	}
	info.VideoURL = pi.Data.Dash.Video[0].BaseURL
	if len(pi.Data.Dash.Audio) > 0 {
		info.AudioURL = pi.Data.Dash.Audio[0].BaseURL
	}

	c.logger.WithFields(logrus.Fields{
		"title": info.Title,
		"pages": info.Pages,
	}).Debug("Video info extracted")

	return info, nil
}
