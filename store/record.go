package store

// SaveRecord implements the schema-upgrade write idiom: when
// uncommittedKey is non-empty, a writer of the newer schema writes to
// uncommittedKey and the caller is responsible for setting the
// has-schema-update flag inside data; once a later step commits the
// newer schema for good it calls SaveRecord again with hasUpgrade=false,
// which writes to committedKey and clears whatever stale uncommitted
// record might be lingering.
func SaveRecord(s Store, committedKey, uncommittedKey string, data []byte, hasUpgrade bool) error {
	return s.WriteTransaction(func(tx WriteTx) error {
		if hasUpgrade && uncommittedKey != "" {
			return tx.Write(uncommittedKey, data)
		}
		if uncommittedKey != "" {
			if err := tx.Remove(uncommittedKey); err != nil {
				return err
			}
		}
		return tx.Write(committedKey, data)
	})
}

// LoadRecord implements the read side: try committedKey first; on a
// miss, fall back to uncommittedKey. Returns ErrNotFound if neither key
// has a record. The bytes are not parsed here, so a committed record
// that fails to parse is the caller's to handle.
func LoadRecord(s Store, committedKey, uncommittedKey string) (data []byte, fromUncommitted bool, err error) {
	data, err = s.Read(committedKey)
	if err == nil {
		return data, false, nil
	}
	if err != ErrNotFound || uncommittedKey == "" {
		return nil, false, err
	}
	data, err = s.Read(uncommittedKey)
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// RemoveRecord clears both the committed and (if set) uncommitted
// slots, used when a deployment reaches a terminal state.
func RemoveRecord(s Store, committedKey, uncommittedKey string) error {
	return s.WriteTransaction(func(tx WriteTx) error {
		if err := tx.Remove(committedKey); err != nil {
			return err
		}
		if uncommittedKey != "" {
			if err := tx.Remove(uncommittedKey); err != nil {
				return err
			}
		}
		return nil
	})
}
