// Package profile holds a user's dashboards, widgets and pin state.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	// ErrDashboardExists is returned when adding a dashboard whose id is taken.
	ErrDashboardExists = errors.New("dashboard already exists")
	// ErrDashboardNotFound is returned when the dashboard id is unknown.
	ErrDashboardNotFound = errors.New("dashboard not found")
)

// Widget types the relay looks at. Anything else passes through untouched.
const (
	WidgetButton       = "BUTTON"
	WidgetSlider       = "SLIDER"
	WidgetGraph        = "GRAPH"
	WidgetTwitter      = "TWITTER"
	WidgetNotification = "NOTIFICATION"
	WidgetEmail        = "EMAIL"
)

// Widget is a control on a dashboard. Only pin binding and notification
// settings matter to the relay.
type Widget struct {
	ID      int64   `json:"id"`
	Type    string  `json:"type"`
	Label   string  `json:"label,omitempty"`
	PinType PinType `json:"pinType,omitempty"`
	Pin     *int    `json:"pin,omitempty"`
	Value   string  `json:"value,omitempty"`

	// TWITTER
	Token  string `json:"token,omitempty"`
	Secret string `json:"secret,omitempty"`

	// NOTIFICATION
	Target            string `json:"target,omitempty"`
	NotifyWhenOffline bool   `json:"notifyWhenOffline,omitempty"`
}

// BoundTo reports whether the widget listens on the given pin.
func (w *Widget) BoundTo(pt PinType, pin int) bool {
	return w.Pin != nil && *w.Pin == pin && w.PinType == pt
}

// Dashboard is one project of a user.
type Dashboard struct {
	ID             int                 `json:"id"`
	Name           string              `json:"name"`
	BoardType      string              `json:"boardType,omitempty"`
	KeepScreenOn   bool                `json:"keepScreenOn"`
	IsSharedPublic bool                `json:"isSharedPublic"`
	IsActive       bool                `json:"isActive"`
	Widgets        []Widget            `json:"widgets,omitempty"`
	Pins           map[string]PinState `json:"pins,omitempty"`
}

// ParseDashboard decodes a dashboard sent by an app. The id is required.
func ParseDashboard(data []byte) (*Dashboard, error) {
	var probe struct {
		ID *int `json:"id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parse dashboard: %w", err)
	}
	if probe.ID == nil {
		return nil, errors.New("parse dashboard: missing id")
	}

	d := &Dashboard{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("parse dashboard: %w", err)
	}
	return d, nil
}

// WidgetOfType returns the first widget of type t, or nil.
func (d *Dashboard) WidgetOfType(t string) *Widget {
	for i := range d.Widgets {
		if d.Widgets[i].Type == t {
			return &d.Widgets[i]
		}
	}
	return nil
}

// GraphBound reports whether a GRAPH widget listens on the pin.
func (d *Dashboard) GraphBound(pt PinType, pin int) bool {
	for i := range d.Widgets {
		if d.Widgets[i].Type == WidgetGraph && d.Widgets[i].BoundTo(pt, pin) {
			return true
		}
	}
	return false
}

// Pin returns the stored state of a pin.
func (d *Dashboard) Pin(pt PinType, pin int) (PinState, bool) {
	st, ok := d.Pins[pinField(pt, pin)]
	return st, ok
}

// SetPin records the last value written to a pin.
func (d *Dashboard) SetPin(pt PinType, pin int, value string) {
	d.updatePin(pt, pin, func(st *PinState) { st.Value = value })
}

// SetPinMode records the mode a pin was configured with.
func (d *Dashboard) SetPinMode(pt PinType, pin int, mode string) {
	d.updatePin(pt, pin, func(st *PinState) { st.Mode = mode })
}

func (d *Dashboard) updatePin(pt PinType, pin int, fn func(*PinState)) {
	if d.Pins == nil {
		d.Pins = make(map[string]PinState)
	}
	key := pinField(pt, pin)
	st := d.Pins[key]
	fn(&st)
	d.Pins[key] = st
}

// Clone returns a deep copy.
func (d *Dashboard) Clone() *Dashboard {
	c := *d
	if d.Widgets != nil {
		c.Widgets = make([]Widget, len(d.Widgets))
		for i, w := range d.Widgets {
			if w.Pin != nil {
				p := *w.Pin
				w.Pin = &p
			}
			c.Widgets[i] = w
		}
	}
	if d.Pins != nil {
		c.Pins = make(map[string]PinState, len(d.Pins))
		for k, v := range d.Pins {
			c.Pins[k] = v
		}
	}
	return &c
}

// Profile is the ordered set of dashboards owned by one user. At most one
// dashboard is active.
type Profile struct {
	Dashboards []*Dashboard
}

type profileJSON struct {
	ActiveDashID *int         `json:"activeDashId,omitempty"`
	Dashboards   []*Dashboard `json:"dashBoards"`
}

// MarshalJSON renders {"activeDashId":N,"dashBoards":[...]}.
func (p *Profile) MarshalJSON() ([]byte, error) {
	out := profileJSON{Dashboards: p.Dashboards}
	if out.Dashboards == nil {
		out.Dashboards = []*Dashboard{}
	}
	if a := p.Active(); a != nil {
		id := a.ID
		out.ActiveDashID = &id
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts the form produced by MarshalJSON. activeDashId, when
// present and known, wins over the isActive flags; otherwise the first
// dashboard flagged active stays active. Duplicate ids are rejected.
func (p *Profile) UnmarshalJSON(data []byte) error {
	var in profileJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}

	seen := make(map[int]bool, len(in.Dashboards))
	dashes := make([]*Dashboard, 0, len(in.Dashboards))
	for _, d := range in.Dashboards {
		if d == nil {
			continue
		}
		if seen[d.ID] {
			return fmt.Errorf("duplicate dashboard id %d", d.ID)
		}
		seen[d.ID] = true
		dashes = append(dashes, d)
	}

	activeID := -1
	if in.ActiveDashID != nil && seen[*in.ActiveDashID] {
		activeID = *in.ActiveDashID
	} else {
		for _, d := range dashes {
			if d.IsActive {
				activeID = d.ID
				break
			}
		}
	}
	for _, d := range dashes {
		d.IsActive = d.ID == activeID
	}

	p.Dashboards = dashes
	return nil
}

// Parse decodes a whole profile.
func Parse(data []byte) (*Profile, error) {
	p := &Profile{}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

// Dashboard returns the dashboard with the given id, or nil.
func (p *Profile) Dashboard(id int) *Dashboard {
	for _, d := range p.Dashboards {
		if d.ID == id {
			return d
		}
	}
	return nil
}

// Active returns the active dashboard, or nil.
func (p *Profile) Active() *Dashboard {
	for _, d := range p.Dashboards {
		if d.IsActive {
			return d
		}
	}
	return nil
}

// Add appends a new dashboard. The stored copy is never active.
func (p *Profile) Add(d *Dashboard) error {
	if p.Dashboard(d.ID) != nil {
		return fmt.Errorf("dashboard %d: %w", d.ID, ErrDashboardExists)
	}
	d.IsActive = false
	p.Dashboards = append(p.Dashboards, d)
	return nil
}

// Update replaces the user-editable fields of an existing dashboard,
// keeping its activation flag and pin state.
func (p *Profile) Update(d *Dashboard) error {
	cur := p.Dashboard(d.ID)
	if cur == nil {
		return fmt.Errorf("dashboard %d: %w", d.ID, ErrDashboardNotFound)
	}
	cur.Name = d.Name
	cur.BoardType = d.BoardType
	cur.KeepScreenOn = d.KeepScreenOn
	cur.IsSharedPublic = d.IsSharedPublic
	cur.Widgets = d.Widgets
	return nil
}

// Remove deletes a dashboard.
func (p *Profile) Remove(id int) error {
	for i, d := range p.Dashboards {
		if d.ID == id {
			p.Dashboards = append(p.Dashboards[:i], p.Dashboards[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("dashboard %d: %w", id, ErrDashboardNotFound)
}

// Activate makes id the only active dashboard.
func (p *Profile) Activate(id int) error {
	if p.Dashboard(id) == nil {
		return fmt.Errorf("dashboard %d: %w", id, ErrDashboardNotFound)
	}
	for _, d := range p.Dashboards {
		d.IsActive = d.ID == id
	}
	return nil
}

// Deactivate clears the active flag of id.
func (p *Profile) Deactivate(id int) error {
	d := p.Dashboard(id)
	if d == nil {
		return fmt.Errorf("dashboard %d: %w", id, ErrDashboardNotFound)
	}
	d.IsActive = false
	return nil
}

// Clone returns a deep copy.
func (p *Profile) Clone() *Profile {
	c := &Profile{Dashboards: make([]*Dashboard, len(p.Dashboards))}
	for i, d := range p.Dashboards {
		c.Dashboards[i] = d.Clone()
	}
	return c
}

// ParseDashID parses a dashboard id field.
func ParseDashID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil || id < 0 {
		return 0, fmt.Errorf("invalid dashboard id %q", s)
	}
	return id, nil
}
