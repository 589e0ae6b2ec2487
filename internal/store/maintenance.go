package store

// Sweep prunes variants and selection records that belong to assistant
// messages no longer the latest of their session. The serve command runs
// it on a cron schedule; db sweep runs it once.
func Sweep(sessions *SessionStore, variants *VariantStore) (int64, error) {
	list, err := sessions.List()
	if err != nil {
		return 0, err
	}
	var total int64
	for _, s := range list {
		pruned, err := variants.PruneNonLatest(s.ID)
		if err != nil {
			return total, err
		}
		total += pruned
	}
	return total, nil
}
