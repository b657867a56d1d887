package quizapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/PandaDev0069/tuiz-liveview/internal/gameflow"
	"github.com/PandaDev0069/tuiz-liveview/internal/leaderboard"
	"github.com/PandaDev0069/tuiz-liveview/internal/metrics"
)

// ErrNotFound marks a fetch whose target does not exist yet. Right after
// a question-start event the server may not have committed the question,
// so this error gets its own retry schedule.
var ErrNotFound = errors.New("not found")

const defaultTimeout = 10 * time.Second

// StatusError is a non-2xx response with enough context to log.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("quizapi: %s: unexpected status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	if e.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return nil
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config controls how the client reaches the quiz backend.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      clockwork.Clock
	Metrics    *metrics.Recorder
}

// Client fetches game data from the quiz backend REST API.
type Client struct {
	baseURL string
	apiKey  string
	http    httpDoer
	log     *zap.Logger
	clock   clockwork.Clock
	metrics *metrics.Recorder
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    httpClient,
		log:     log,
		clock:   clock,
		metrics: cfg.Metrics,
	}
}

// CurrentQuestion fetches the active question for a game. Answers come
// back sorted by their order index so letter assignment is stable.
func (c *Client) CurrentQuestion(ctx context.Context, gameID string) (*CurrentQuestion, error) {
	var out CurrentQuestion
	if err := c.get(ctx, "current_question", "/api/games/"+gameID+"/questions/current", &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out.Answers, func(i, j int) bool {
		return out.Answers[i].OrderIndex < out.Answers[j].OrderIndex
	})
	return &out, nil
}

// Flow fetches the game flow snapshot used for timer derivation and
// missed-event recovery.
func (c *Client) Flow(ctx context.Context, gameID string) (gameflow.Snapshot, error) {
	var out gameflow.Snapshot
	if err := c.get(ctx, "flow", "/api/games/"+gameID+"/flow", &out); err != nil {
		return gameflow.Snapshot{}, err
	}
	return out, nil
}

type leaderboardResponse struct {
	Entries []leaderboard.Standing `json:"entries"`
}

// Leaderboard fetches raw standings. Movement is computed locally.
func (c *Client) Leaderboard(ctx context.Context, gameID string) ([]leaderboard.Standing, error) {
	var out leaderboardResponse
	if err := c.get(ctx, "leaderboard", "/api/games/"+gameID+"/leaderboard", &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

type playersResponse struct {
	Players []Player `json:"players"`
}

// Players fetches the joined participants.
func (c *Client) Players(ctx context.Context, gameID string) ([]Player, error) {
	var out playersResponse
	if err := c.get(ctx, "players", "/api/games/"+gameID+"/players", &out); err != nil {
		return nil, err
	}
	return out.Players, nil
}

// Game fetches room-level metadata.
func (c *Client) Game(ctx context.Context, gameID string) (Game, error) {
	var out Game
	if err := c.get(ctx, "game", "/api/games/"+gameID, &out); err != nil {
		return Game{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, op, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("quizapi: %s: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("quizapi: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("quizapi: %s: decode: %w", op, err)
	}
	return nil
}
