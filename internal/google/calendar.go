package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"courtbot/internal/models"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	credentialsFile = "credentials.json"
	eventTimeZone   = "Europe/Kyiv"
)

// CalendarClient provides a client for interacting with the Google Calendar API.
// It implements models.CalendarBackend.
type CalendarClient struct {
	service  *calendar.Service
	logger   *slog.Logger
	timeZone string
}

// NewClient creates a new Google Calendar client.
// It handles loading credentials and setting up an authenticated HTTP client.
// The accountName selects the token file token-<accountName>.json inside tokenDir.
func NewClient(ctx context.Context, logger *slog.Logger, clientID, clientSecret, tokenDir, accountName string) (*CalendarClient, error) {
	config, err := getOAuthConfig(clientID, clientSecret)
	if err != nil {
		return nil, fmt.Errorf("failed to get OAuth config: %w", err)
	}

	tokenFile := TokenPath(tokenDir, accountName)
	token, err := tokenFromFile(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("could not load token for account %s: %w. Please run the 'auth' command first", accountName, err)
	}

	return NewClientWithHTTP(ctx, logger, config.Client(ctx, token), "")
}

// NewClientWithHTTP builds a client over an already authenticated HTTP client.
// A non-empty endpoint overrides the API base URL.
func NewClientWithHTTP(ctx context.Context, logger *slog.Logger, httpClient *http.Client, endpoint string) (*CalendarClient, error) {
	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if endpoint != "" {
		opts = append(opts, option.WithEndpoint(endpoint))
	}
	service, err := calendar.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create calendar service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CalendarClient{service: service, logger: logger, timeZone: eventTimeZone}, nil
}

// SetTimeZone sets the IANA zone name written on inserted events.
func (c *CalendarClient) SetTimeZone(name string) {
	if name != "" {
		c.timeZone = name
	}
}

// ListEvents fetches every single (expanded) event intersecting [from, to),
// following page tokens until the listing is complete.
func (c *CalendarClient) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	c.logger.Debug("Fetching events", "calendarID", calendarID, "from", from, "to", to)

	var items []*calendar.Event
	pageToken := ""
	for {
		call := c.service.Events.List(calendarID).
			Context(ctx).
			ShowDeleted(false).
			SingleEvents(true).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			OrderBy("startTime").
			MaxResults(250)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		events, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("failed to retrieve events: %w", err)
		}
		items = append(items, events.Items...)
		if events.NextPageToken == "" {
			break
		}
		pageToken = events.NextPageToken
	}

	c.logger.Debug("Fetched events from Google Calendar", "count", len(items), "calendarID", calendarID)
	return c.toInternalEvents(items, calendarID), nil
}

// InsertEvent creates event and returns it with the server-assigned id and creation time.
func (c *CalendarClient) InsertEvent(ctx context.Context, calendarID string, event *models.Event) (*models.Event, error) {
	ge := &calendar.Event{
		Summary:     event.Title,
		Description: event.Description,
		Location:    event.Location,
		Start:       &calendar.EventDateTime{DateTime: event.StartTime.Format(time.RFC3339), TimeZone: c.timeZone},
		End:         &calendar.EventDateTime{DateTime: event.EndTime.Format(time.RFC3339), TimeZone: c.timeZone},
	}
	if len(event.Tags) > 0 {
		ge.ExtendedProperties = &calendar.EventExtendedProperties{Private: event.Tags}
	}

	created, err := c.service.Events.Insert(calendarID, ge).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}
	out := c.toInternalEvents([]*calendar.Event{created}, calendarID)
	if len(out) == 0 {
		return nil, fmt.Errorf("inserted event %s has no start time", created.Id)
	}
	c.logger.Info("Inserted event into Google Calendar", "calendarID", calendarID, "id", created.Id, "title", event.Title)
	return out[0], nil
}

// DeleteEvent removes an event. An event that is already gone counts as deleted.
func (c *CalendarClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.service.Events.Delete(calendarID, eventID).Context(ctx).Do()
	if isGone(err) {
		c.logger.Warn("Event already deleted", "calendarID", calendarID, "id", eventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	c.logger.Info("Deleted event from Google Calendar", "calendarID", calendarID, "id", eventID)
	return nil
}

func isGone(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusNotFound || apiErr.Code == http.StatusGone
	}
	return false
}

// toInternalEvents converts Google Calendar events to the internal Event model.
func (c *CalendarClient) toInternalEvents(googleEvents []*calendar.Event, source string) []*models.Event {
	var internalEvents []*models.Event
	for _, item := range googleEvents {
		// Skip events without a start time (e.g., all-day events without a specific time)
		if item.Start == nil || item.Start.DateTime == "" || item.End == nil {
			continue
		}

		startTime, err := time.Parse(time.RFC3339, item.Start.DateTime)
		if err != nil {
			c.logger.Warn("Skipping event with unparsable start", "id", item.Id, "error", err)
			continue
		}
		endTime, err := time.Parse(time.RFC3339, item.End.DateTime)
		if err != nil {
			c.logger.Warn("Skipping event with unparsable end", "id", item.Id, "error", err)
			continue
		}
		createdAt, _ := time.Parse(time.RFC3339, item.Created)

		var tags map[string]string
		if item.ExtendedProperties != nil && len(item.ExtendedProperties.Private) > 0 {
			tags = item.ExtendedProperties.Private
		}

		internalEvents = append(internalEvents, &models.Event{
			ID:          item.Id,
			Title:       item.Summary,
			Description: item.Description,
			StartTime:   startTime,
			EndTime:     endTime,
			CreatedAt:   createdAt,
			Location:    item.Location,
			Tags:        tags,
			UID:         item.ICalUID,
			Source:      fmt.Sprintf("google-%s", source),
		})
	}
	return internalEvents
}

// GetOAuthConfigForAuthFlow is used by the auth command to get the config for the web flow.
func GetOAuthConfigForAuthFlow(clientID, clientSecret string) (*oauth2.Config, error) {
	return getOAuthConfig(clientID, clientSecret)
}

// getOAuthConfig reads credentials and returns an OAuth2 config.
// It prioritizes explicit client credentials over a local credentials.json file.
// Bookings and poll outcomes write to the calendar, so the full scope is requested.
func getOAuthConfig(clientID, clientSecret string) (*oauth2.Config, error) {
	if clientID != "" && clientSecret != "" {
		return &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  "urn:ietf:wg:oauth:2.0:oob",
			Scopes:       []string{calendar.CalendarScope},
			Endpoint:     google.Endpoint,
		}, nil
	}

	b, err := os.ReadFile(credentialsFile)
	if err != nil {
		if _, ok := err.(*fs.PathError); ok {
			return nil, fmt.Errorf("credentials.json not found. Please provide GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET env vars or place credentials.json in the root directory")
		}
		return nil, fmt.Errorf("unable to read client secret file: %w", err)
	}

	config, err := google.ConfigFromJSON(b, calendar.CalendarScope)
	if err != nil {
		return nil, fmt.Errorf("unable to parse client secret file to config: %w", err)
	}
	config.RedirectURL = "urn:ietf:wg:oauth:2.0:oob" // For desktop app flow
	return config, nil
}

// TokenFromWeb is called by the auth flow to retrieve a token.
func TokenFromWeb(ctx context.Context, config *oauth2.Config, authCode string) (*oauth2.Token, error) {
	return config.Exchange(ctx, authCode)
}

// TokenPath returns where the token of accountName is stored.
func TokenPath(dir, accountName string) string {
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, "token-"+accountName+".json")
}

// SaveToken saves a token to a file path.
func SaveToken(path string, token *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("unable to create token file: %w", err)
	}
	defer f.Close()
	return json.NewEncoder(f).Encode(token)
}

// tokenFromFile retrieves a token from a local file.
func tokenFromFile(file string) (*oauth2.Token, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	tok := &oauth2.Token{}
	err = json.NewDecoder(f).Decode(tok)
	return tok, err
}

// GetTokenAccounts lists the account names that have a token file in dir.
func GetTokenAccounts(dir string) ([]string, error) {
	if dir == "" {
		dir = "."
	}
	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var accounts []string
	for _, file := range files {
		if strings.HasPrefix(file.Name(), "token-") && strings.HasSuffix(file.Name(), ".json") {
			accountName := strings.TrimSuffix(strings.TrimPrefix(file.Name(), "token-"), ".json")
			accounts = append(accounts, accountName)
		}
	}
	return accounts, nil
}
