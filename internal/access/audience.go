// Package access holds the audience rule table and the resolver that decides
// whether a viewer may see a post. The same table drives feed fan-out and
// rebuild so that feed membership never disagrees with direct access checks.
package access

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Audience is the access tier chosen by a post's author.
type Audience int16

const (
	// AudienceUnknown marks a stored value that could not be parsed.
	AudienceUnknown Audience = iota
	Public
	Followers
	Subscribers
	PayToView
)

// Source records why a timeline entry exists in a viewer's feed.
type Source string

const (
	SourceSelfAuthored    Source = "self_authored"
	SourceFollowing       Source = "following"
	SourceSubscription    Source = "subscription"
	SourcePaywallPurchase Source = "paywall_purchase"
)

// Group is a population of viewers that fan-out streams for a post.
type Group int

const (
	GroupFollowers Group = iota + 1
	GroupSubscribers
)

// Source returns the timeline source used for rows written to this group.
func (g Group) Source() Source {
	if g == GroupSubscribers {
		return SourceSubscription
	}
	return SourceFollowing
}

func (g Group) String() string {
	switch g {
	case GroupFollowers:
		return "followers"
	case GroupSubscribers:
		return "subscribers"
	}
	return "unknown"
}

// Relation is the relationship state between one viewer and one post's author.
type Relation struct {
	Anonymous  bool
	IsAuthor   bool
	Blocked    bool
	Follows    bool
	Subscribes bool
	Purchased  bool
}

// rule is the per-variant behaviour of an audience.
type rule struct {
	name string
	// grants reports whether the relationship alone allows viewing.
	grants func(r Relation) bool
	// source picks the feed source a rebuild records for a granted viewer.
	// ok=false means the post does not belong in the viewer's feed.
	source func(r Relation) (Source, bool)
	// fanOut lists, in order, the groups a publish distributes to.
	fanOut []Group
	// paywalled reports that a denied viewer could buy access.
	paywalled bool
}

var rules = map[Audience]rule{
	Public: {
		name:   "public",
		grants: func(Relation) bool { return true },
		source: func(r Relation) (Source, bool) {
			switch {
			case r.Follows:
				return SourceFollowing, true
			case r.Subscribes:
				return SourceSubscription, true
			}
			return "", false
		},
		fanOut: []Group{GroupFollowers, GroupSubscribers},
	},
	Followers: {
		name:   "followers",
		grants: func(r Relation) bool { return r.Follows },
		source: func(r Relation) (Source, bool) {
			return SourceFollowing, r.Follows
		},
		fanOut: []Group{GroupFollowers},
	},
	Subscribers: {
		name:   "subscribers",
		grants: func(r Relation) bool { return r.Subscribes },
		source: func(r Relation) (Source, bool) {
			return SourceSubscription, r.Subscribes
		},
		fanOut: []Group{GroupSubscribers},
	},
	PayToView: {
		name:   "pay_to_view",
		grants: func(r Relation) bool { return r.Purchased },
		source: func(r Relation) (Source, bool) {
			return SourcePaywallPurchase, r.Purchased
		},
		paywalled: true,
	},
}

// ParseAudience converts the stored representation into an Audience.
func ParseAudience(s string) (Audience, error) {
	for a, r := range rules {
		if r.name == s {
			return a, nil
		}
	}
	return AudienceUnknown, fmt.Errorf("unknown audience %q", s)
}

// Valid reports whether a is one of the four known audiences.
func (a Audience) Valid() bool {
	_, ok := rules[a]
	return ok
}

func (a Audience) String() string {
	if r, ok := rules[a]; ok {
		return r.name
	}
	return "unknown"
}

// FanOutGroups returns the viewer groups a publish of this audience reaches.
// PayToView posts reach nobody automatically.
func (a Audience) FanOutGroups() []Group {
	return rules[a].fanOut
}

// Permits applies the audience rule after the author and block overrides.
func (a Audience) Permits(r Relation) bool {
	if r.IsAuthor {
		return true
	}
	if r.Blocked {
		return false
	}
	rl, ok := rules[a]
	if !ok {
		return false
	}
	if r.Anonymous && a != Public {
		return false
	}
	return rl.grants(r)
}

// FeedSource resolves which source a rebuild records for a post, using the
// precedence self-authored, then the audience's own rule. Blocked pairs and
// posts the viewer has no relationship-driven reason to see return ok=false.
func (a Audience) FeedSource(r Relation) (Source, bool) {
	if r.IsAuthor {
		return SourceSelfAuthored, true
	}
	if r.Blocked || r.Anonymous {
		return "", false
	}
	rl, ok := rules[a]
	if !ok {
		return "", false
	}
	return rl.source(r)
}

// MarshalText implements encoding.TextMarshaler.
func (a Audience) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("cannot marshal audience %d", int16(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Audience) UnmarshalText(text []byte) error {
	parsed, err := ParseAudience(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Scan implements sql.Scanner. Unrecognised values scan as AudienceUnknown
// instead of failing so that one bad row cannot abort a bulk read.
func (a *Audience) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		*a = AudienceUnknown
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		return fmt.Errorf("unsupported audience type %T", value)
	}
	parsed, err := ParseAudience(s)
	if err != nil {
		*a = AudienceUnknown
		return nil
	}
	*a = parsed
	return nil
}

// Value implements driver.Valuer.
func (a Audience) Value() (driver.Value, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("cannot store audience %d", int16(a))
	}
	return a.String(), nil
}

// SubscriptionStatus is the billing state of a subscription record.
type SubscriptionStatus string

const (
	SubscriptionActive   SubscriptionStatus = "active"
	SubscriptionTrialing SubscriptionStatus = "trialing"
	SubscriptionGrace    SubscriptionStatus = "grace"
	SubscriptionPastDue  SubscriptionStatus = "past_due"
	SubscriptionCanceled SubscriptionStatus = "canceled"
	SubscriptionExpired  SubscriptionStatus = "expired"
)

// EntitledSubscriptionStatuses lists the statuses that can grant access.
var EntitledSubscriptionStatuses = []SubscriptionStatus{
	SubscriptionActive,
	SubscriptionTrialing,
	SubscriptionGrace,
}

// SubscriptionEntitles applies the subscription validity rule: an entitled
// status with both the ends-at and grace-ends-at windows still open.
func SubscriptionEntitles(status SubscriptionStatus, endsAt, graceEndsAt *time.Time, now time.Time) bool {
	entitled := false
	for _, s := range EntitledSubscriptionStatuses {
		if s == status {
			entitled = true
			break
		}
	}
	return entitled && openAt(endsAt, now) && openAt(graceEndsAt, now)
}

// PurchaseStatus is the settlement state of a purchase record.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseCompleted PurchaseStatus = "completed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// PurchaseEntitles applies the purchase validity rule.
func PurchaseEntitles(status PurchaseStatus, expiresAt *time.Time, now time.Time) bool {
	return status == PurchaseCompleted && openAt(expiresAt, now)
}

func openAt(until *time.Time, now time.Time) bool {
	return until == nil || until.After(now)
}
