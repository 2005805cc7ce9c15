package authapi

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/nkiryanov/campusportal/internal/models"
)

// SubjectID accepts both JSON numbers and strings.
// The backend uses integer ids, other deployments use uuids.
type SubjectID string

func (s *SubjectID) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*s = ""
		return nil
	}

	if len(data) > 0 && data[0] == '"' {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = SubjectID(v)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a number or a string: %w", err)
	}
	*s = SubjectID(models.SubjectIDFromNumber(n))
	return nil
}
