package service

import (
	"reflect"
	"strings"

	"github.com/krew-solutions/courier-go/courier/saga"
)

var nameSuffixes = []string{"ActivityService", "Activity", "Service"}

// ActivityName returns the name an activity is hosted under: the value of
// ActivityName() for saga.NamedActivity, otherwise its Go type name without a
// trailing Activity or Service suffix.
func ActivityName(activity any) string {
	if named, ok := activity.(saga.NamedActivity); ok {
		return named.ActivityName()
	}
	t := reflect.TypeOf(activity)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	name := t.Name()
	for _, suffix := range nameSuffixes {
		if trimmed := strings.TrimSuffix(name, suffix); trimmed != name && trimmed != "" {
			return trimmed
		}
	}
	return name
}

// AddressProvider assigns endpoint addresses to activities.
type AddressProvider interface {
	ExecuteAddress(activityName string) string
	CompensateAddress(activityName string) string
}

// QueueAddressProvider builds addresses of the form scheme://host/<name>_execute.
type QueueAddressProvider struct {
	Scheme string
	Host   string
}

func (p QueueAddressProvider) ExecuteAddress(activityName string) string {
	return p.address(activityName, "execute")
}

func (p QueueAddressProvider) CompensateAddress(activityName string) string {
	return p.address(activityName, "compensate")
}

func (p QueueAddressProvider) address(activityName, kind string) string {
	scheme := p.Scheme
	if scheme == "" {
		scheme = "loopback"
	}
	host := p.Host
	if host == "" {
		host = "localhost"
	}
	return scheme + "://" + host + "/" + toSnake(activityName) + "_" + kind
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
