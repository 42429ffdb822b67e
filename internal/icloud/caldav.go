package icloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"courtbot/internal/models"

	"github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"
	"github.com/google/uuid"
)

const (
	DefaultEndpoint = "https://caldav.icloud.com/"

	productID = "-//courtbot//EN"
	tagProp   = "X-COURTBOT-TAG"
)

// customTransport handles adding Basic Auth and custom headers to requests.
type customTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
}

// RoundTrip adds required headers and authentication to each request.
func (t *customTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.SetBasicAuth(t.Username, t.Password)
	req.Header.Set("User-Agent", "courtbot/1.0")
	return t.Transport.RoundTrip(req)
}

// CalDAVClient talks to one calendar collection on a CalDAV server (iCloud by default).
// It implements models.CalendarBackend; the calendarID argument of its methods
// may be empty to address the collection found at construction time.
type CalDAVClient struct {
	caldavClient *caldav.Client
	webdavClient *webdav.Client
	logger       *slog.Logger
	calendarPath string
	location     *time.Location
}

// NewClient creates a CalDAVClient and locates the calendar named calendarName.
func NewClient(ctx context.Context, logger *slog.Logger, endpoint, username, password, calendarName string) (*CalDAVClient, error) {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	transport := &customTransport{
		Username:  username,
		Password:  password,
		Transport: http.DefaultTransport,
	}
	httpClient := &http.Client{Transport: transport, Timeout: 30 * time.Second}

	caldavClient, err := caldav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create caldav client: %w", err)
	}

	webdavClient, err := webdav.NewClient(httpClient, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create webdav client: %w", err)
	}

	c := &CalDAVClient{
		caldavClient: caldavClient,
		webdavClient: webdavClient,
		logger:       logger,
		location:     time.UTC,
	}

	logger.Info("Finding CalDAV calendar", "calendarName", calendarName)
	calendarPath, err := c.findCalendar(ctx, calendarName)
	if err != nil {
		return nil, fmt.Errorf("could not find calendar '%s': %w", calendarName, err)
	}
	c.calendarPath = calendarPath
	logger.Info("Successfully found CalDAV calendar", "path", calendarPath)

	return c, nil
}

// SetLocation sets the zone used for floating DTSTART/DTEND values.
func (c *CalDAVClient) SetLocation(loc *time.Location) {
	if loc != nil {
		c.location = loc
	}
}

func (c *CalDAVClient) collection(calendarID string) string {
	if calendarID != "" {
		return calendarID
	}
	return c.calendarPath
}

// ListEvents returns the VEVENTs of the collection intersecting [from, to).
func (c *CalDAVClient) ListEvents(ctx context.Context, calendarID string, from, to time.Time) ([]*models.Event, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     ical.CompCalendar,
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: ical.CompCalendar,
			Comps: []caldav.CompFilter{{
				Name:  ical.CompEvent,
				Start: from.UTC(),
				End:   to.UTC(),
			}},
		},
	}
	objects, err := c.caldavClient.QueryCalendar(ctx, c.collection(calendarID), query)
	if err != nil {
		return nil, fmt.Errorf("failed to query calendar: %w", err)
	}

	var events []*models.Event
	for _, obj := range objects {
		if obj.Data == nil {
			continue
		}
		id := strings.TrimSuffix(path.Base(obj.Path), ".ics")
		for _, child := range obj.Data.Children {
			if child.Name != ical.CompEvent {
				continue
			}
			ev, err := fromICal(child, id, c.location)
			if err != nil {
				c.logger.Warn("Skipping unreadable CalDAV event", "path", obj.Path, "error", err)
				continue
			}
			events = append(events, ev)
		}
	}
	c.logger.Debug("Fetched events from CalDAV", "count", len(events))
	return events, nil
}

// InsertEvent writes event as a new calendar object named after a fresh UID.
func (c *CalDAVClient) InsertEvent(ctx context.Context, calendarID string, event *models.Event) (*models.Event, error) {
	created := *event
	created.UID = GenerateUID()
	created.ID = created.UID
	created.CreatedAt = time.Now().UTC().Truncate(time.Second)
	created.Source = "caldav"

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)
	cal.Children = append(cal.Children, toICal(&created))

	writer, err := c.webdavClient.Create(ctx, c.objectPath(calendarID, created.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to create event on CalDAV server: %w", err)
	}
	if err := ical.NewEncoder(writer).Encode(cal); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("failed to encode event to iCal format: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to upload event: %w", err)
	}

	c.logger.Info("Created event on CalDAV server", "eventTitle", event.Title, "uid", created.UID)
	return &created, nil
}

// DeleteEvent removes the calendar object. A missing object counts as deleted.
func (c *CalDAVClient) DeleteEvent(ctx context.Context, calendarID, eventID string) error {
	err := c.webdavClient.RemoveAll(ctx, c.objectPath(calendarID, eventID))
	if err != nil && isNotFound(err) {
		c.logger.Warn("CalDAV event already deleted", "id", eventID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete event %s: %w", eventID, err)
	}
	return nil
}

func (c *CalDAVClient) objectPath(calendarID, id string) string {
	return path.Join(c.collection(calendarID), id+".ics")
}

// go-webdav does not export its HTTP error type; its message carries the status line.
func isNotFound(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "404") || strings.Contains(msg, "410")
}

// toICal converts an internal Event model to an ical.Component (VEvent).
func toICal(event *models.Event) *ical.Component {
	ve := ical.NewComponent(ical.CompEvent)
	ve.Props.SetText(ical.PropUID, event.UID)
	ve.Props.SetText(ical.PropSummary, event.Title)
	ve.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	ve.Props.SetDateTime(ical.PropCreated, event.CreatedAt.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeStart, event.StartTime.UTC())
	ve.Props.SetDateTime(ical.PropDateTimeEnd, event.EndTime.UTC())

	if event.Description != "" {
		ve.Props.SetText(ical.PropDescription, event.Description)
	}
	if event.Location != "" {
		ve.Props.SetText(ical.PropLocation, event.Location)
	}
	for k, v := range event.Tags {
		p := ical.NewProp(tagProp)
		p.SetText(k + "=" + v)
		ve.Props.Add(p)
	}
	return ve
}

// fromICal reads a VEVENT back into an Event.
func fromICal(ve *ical.Component, id string, loc *time.Location) (*models.Event, error) {
	start, err := ve.Props.DateTime(ical.PropDateTimeStart, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}
	if start.IsZero() {
		return nil, errors.New("missing DTSTART")
	}
	end, err := ve.Props.DateTime(ical.PropDateTimeEnd, loc)
	if err != nil {
		return nil, fmt.Errorf("invalid DTEND: %w", err)
	}
	if end.IsZero() {
		return nil, errors.New("missing DTEND")
	}
	created, _ := ve.Props.DateTime(ical.PropCreated, loc)
	if created.IsZero() {
		created, _ = ve.Props.DateTime(ical.PropDateTimeStamp, loc)
	}

	ev := &models.Event{
		ID:        id,
		StartTime: start,
		EndTime:   end,
		CreatedAt: created,
		Source:    "caldav",
	}
	ev.UID, _ = ve.Props.Text(ical.PropUID)
	ev.Title, _ = ve.Props.Text(ical.PropSummary)
	ev.Description, _ = ve.Props.Text(ical.PropDescription)
	ev.Location, _ = ve.Props.Text(ical.PropLocation)
	for _, p := range ve.Props.Values(tagProp) {
		k, v, ok := strings.Cut(p.Value, "=")
		if !ok {
			continue
		}
		if ev.Tags == nil {
			ev.Tags = make(map[string]string)
		}
		ev.Tags[k] = v
	}
	return ev, nil
}

// findCalendar discovers the user's calendars and returns the path of the one with the matching name.
func (c *CalDAVClient) findCalendar(ctx context.Context, name string) (string, error) {
	principalPath, err := c.caldavClient.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to find principal path: %w", err)
	}

	homeSetPath, err := c.caldavClient.FindCalendarHomeSet(ctx, principalPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendar home set: %w", err)
	}

	calendars, err := c.caldavClient.FindCalendars(ctx, homeSetPath)
	if err != nil {
		return "", fmt.Errorf("failed to find calendars: %w", err)
	}

	for _, cal := range calendars {
		if cal.Name == name {
			return cal.Path, nil
		}
	}

	return "", fmt.Errorf("no calendar found with name '%s'", name)
}

// GenerateUID creates a new unique identifier for an event.
func GenerateUID() string {
	return uuid.New().String()
}
