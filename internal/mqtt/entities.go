package mqtt

import "strings"

// entity is one Home Assistant entity published under the device.
type entity struct {
	component   string // sensor or binary_sensor
	key         string // topic segment and unique_id suffix
	name        string
	icon        string
	unit        string
	stateClass  string
	deviceClass string
	diagnostic  bool
	attributes  bool // has a JSON attributes topic
}

// Tally keys double as state topic segments.
const (
	keySucceeded = "adhoc_succeeded_today"
	keyFailed    = "adhoc_failed_today"
	keyAttempts  = "adhoc_attempts_today"
	keyLastRun   = "last_run"
)

var fixedEntities = []entity{
	{component: "sensor", key: "uptime", name: "Uptime", icon: "mdi:clock-outline", diagnostic: true},
	{component: "sensor", key: "version", name: "Version", icon: "mdi:tag", diagnostic: true},
	{component: "sensor", key: keySucceeded, name: "Ad-hoc Runs Succeeded Today", icon: "mdi:check-circle", unit: "runs", stateClass: "total_increasing"},
	{component: "sensor", key: keyFailed, name: "Ad-hoc Runs Failed Today", icon: "mdi:alert-circle", unit: "runs", stateClass: "total_increasing"},
	{component: "sensor", key: keyAttempts, name: "Synthesis Attempts Today", icon: "mdi:repeat", unit: "attempts", stateClass: "total_increasing"},
	{component: "sensor", key: keyLastRun, name: "Last Ad-hoc Run", icon: "mdi:code-braces", attributes: true},
}

// providerEntity is the connectivity sensor for one model provider.
func providerEntity(provider string) entity {
	return entity{
		component:   "binary_sensor",
		key:         "provider_" + slug(provider),
		name:        "Provider " + provider,
		deviceClass: "connectivity",
		diagnostic:  true,
	}
}

// slug folds s to lowercase letters, digits and underscores.
func slug(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + 'a' - 'A'
		}
		return '_'
	}, s)
}

// discovery is the retained config payload announcing an entity.
type discovery struct {
	Name              string `json:"name"`
	UniqueID          string `json:"unique_id"`
	StateTopic        string `json:"state_topic"`
	AvailabilityTopic string `json:"availability_topic"`
	AttributesTopic   string `json:"json_attributes_topic,omitempty"`
	Device            device `json:"device"`
	Icon              string `json:"icon,omitempty"`
	Unit              string `json:"unit_of_measurement,omitempty"`
	StateClass        string `json:"state_class,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`
	EntityCategory    string `json:"entity_category,omitempty"`
}

func (e entity) discovery(id Identity, t topics) discovery {
	d := discovery{
		Name:              id.Name + " " + e.name,
		UniqueID:          id.ID + "_" + e.key,
		StateTopic:        t.state(e.key),
		AvailabilityTopic: t.availability(),
		Device:            id.device(),
		Icon:              e.icon,
		Unit:              e.unit,
		StateClass:        e.stateClass,
		DeviceClass:       e.deviceClass,
	}
	if e.attributes {
		d.AttributesTopic = t.attributes(e.key)
	}
	if e.diagnostic {
		d.EntityCategory = "diagnostic"
	}
	return d
}

// topics lays out the broker namespace for one device.
type topics struct {
	prefix string // discovery prefix
	node   string
}

func (t topics) base() string { return "wright/" + t.node }
func (t topics) availability() string { return t.base() + "/availability" }
func (t topics) runs() string { return t.base() + "/adhoc/runs" }
func (t topics) state(key string) string { return t.base() + "/" + key + "/state" }
func (t topics) attributes(key string) string { return t.base() + "/" + key + "/attributes" }
func (t topics) config(e entity) string { return t.prefix + "/" + e.component + "/" + t.node + "/" + e.key + "/config" }
