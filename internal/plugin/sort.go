package plugin

// HostSlots are the fixed, host-owned insertion points interleaved with
// the user tiers. The host owns their contents; this package owns only
// their positions in the final order.
type HostSlots struct {
	// Pre runs before every user plugin.
	Pre []*Plugin

	// Core runs between the enforce-pre tier and the untagged tier.
	Core []*Plugin

	// Output runs between the untagged tier and the enforce-post tier.
	Output []*Plugin

	// Post runs after every user plugin.
	Post []*Plugin
}

// SortTiers partitions a flattened user plugin sequence into tiers and
// merges it with the host slots, producing the final invocation order:
//
//	host pre | enforce pre | host core | untagged | host output | enforce post | host post
//
// The partition is stable: within a tier, relative order is exactly
// the flatten order. Nothing is re-sorted by name or any other key.
func SortTiers(user []*Plugin, slots HostSlots) []*Plugin {
	var pre, normal, post []*Plugin
	for _, p := range user {
		switch p.Enforce {
		case TierPre:
			pre = append(pre, p)
		case TierPost:
			post = append(post, p)
		default:
			normal = append(normal, p)
		}
	}

	out := make([]*Plugin, 0,
		len(slots.Pre)+len(pre)+len(slots.Core)+len(normal)+len(slots.Output)+len(post)+len(slots.Post))
	out = append(out, slots.Pre...)
	out = append(out, pre...)
	out = append(out, slots.Core...)
	out = append(out, normal...)
	out = append(out, slots.Output...)
	out = append(out, post...)
	out = append(out, slots.Post...)
	return out
}
