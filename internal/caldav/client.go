package caldav

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"time"

	goical "github.com/emersion/go-ical"
	"github.com/emersion/go-webdav"
	"github.com/emersion/go-webdav/caldav"

	appLog "wkserver/internal/log"
	"wkserver/internal/model"
)

const defaultTimeout = 30 * time.Second

// Options configures the connection to a CalDAV server.
type Options struct {
	// URL is the CalDAV endpoint, e.g. "https://cloud.example.org/remote.php/dav".
	URL      string
	Username string
	Password string

	// InsecureSkipVerify disables TLS certificate verification. Self-hosted
	// servers with self-signed certificates need this.
	InsecureSkipVerify bool

	// Timeout bounds every single HTTP round trip. If zero, defaultTimeout
	// is used.
	Timeout time.Duration
}

// Client lists calendars and searches events on a CalDAV server.
// Construction does not contact the server.
type Client struct {
	dav *caldav.Client
	url string
}

// NewClient creates a new CalDAV Client.
func NewClient(opts Options) (*Client, error) {
	if opts.URL == "" {
		return nil, errors.New("caldav: URL is empty")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed servers
	}

	var httpClient webdav.HTTPClient = &http.Client{
		Timeout:   opts.Timeout,
		Transport: transport,
	}
	if opts.Username != "" || opts.Password != "" {
		httpClient = webdav.HTTPClientWithBasicAuth(httpClient, opts.Username, opts.Password)
	}

	c, err := caldav.NewClient(httpClient, opts.URL)
	if err != nil {
		return nil, fmt.Errorf("caldav: create client: %w", err)
	}

	return &Client{dav: c, url: opts.URL}, nil
}

// ListCalendars discovers the calendars of the authenticated user:
// current-user-principal, then calendar-home-set, then the collections in it.
func (c *Client) ListCalendars(ctx context.Context) ([]model.RemoteCalendar, error) {
	appLog.Debug("caldav list calendars", "url", redactURL(c.url))

	principal, err := c.dav.FindCurrentUserPrincipal(ctx)
	if err != nil {
		return nil, fmt.Errorf("caldav: find principal: %w", err)
	}
	homeSet, err := c.dav.FindCalendarHomeSet(ctx, principal)
	if err != nil {
		return nil, fmt.Errorf("caldav: find calendar home set: %w", err)
	}
	cals, err := c.dav.FindCalendars(ctx, homeSet)
	if err != nil {
		return nil, fmt.Errorf("caldav: find calendars: %w", err)
	}

	out := make([]model.RemoteCalendar, 0, len(cals))
	for _, cal := range cals {
		out = append(out, model.RemoteCalendar{Name: cal.Name, Handle: cal.Path})
	}
	appLog.Debug("caldav list calendars done", "url", redactURL(c.url), "count", len(out))
	return out, nil
}

// SearchEvents returns every calendar object in the collection at handle
// that has a VEVENT overlapping [start, end). Objects are re-encoded so the
// caller receives the undecoded payload.
func (c *Client) SearchEvents(ctx context.Context, handle string, start, end time.Time) ([]model.RawEvent, error) {
	query := &caldav.CalendarQuery{
		CompRequest: caldav.CalendarCompRequest{
			Name:     "VCALENDAR",
			AllProps: true,
			AllComps: true,
		},
		CompFilter: caldav.CompFilter{
			Name: "VCALENDAR",
			Comps: []caldav.CompFilter{{
				Name:  "VEVENT",
				Start: start,
				End:   end,
			}},
		},
	}

	objects, err := c.dav.QueryCalendar(ctx, handle, query)
	if err != nil {
		return nil, fmt.Errorf("caldav: query %s: %w", handle, err)
	}

	out := make([]model.RawEvent, 0, len(objects))
	for _, obj := range objects {
		data, err := encodeObject(obj.Data)
		if err != nil {
			appLog.Error("caldav: re-encoding calendar object failed", err, "path", obj.Path)
			continue
		}
		out = append(out, model.RawEvent{Path: obj.Path, ETag: obj.ETag, Data: data})
	}
	return out, nil
}

func encodeObject(cal *goical.Calendar) ([]byte, error) {
	if cal == nil {
		return nil, errors.New("calendar object has no data")
	}
	var buf bytes.Buffer
	if err := goical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// redactURL hides sensitive parts of a server URL for logging purposes.
func redactURL(u string) string {
	// Example:
	//   https://example.com/remote.php/dav/calendars/alice
	// -> https://example.com/...(redacted)
	const redactedSuffix = "/...(redacted)"

	// Find scheme separator.
	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "caldav://...(redacted)"
	}

	// Find next slash after host.
	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}

	return u[:j] + redactedSuffix
}
