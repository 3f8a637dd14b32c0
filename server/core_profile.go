// Copyright 2024 The Amoria Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	"go.uber.org/zap"
)

// Profile is the identity record backing discovery and matching.
type Profile struct {
	ID                           uuid.UUID
	Username                     string
	FirstName                    sql.NullString
	LastName                     sql.NullString
	Email                        sql.NullString
	Age                          int
	Gender                       string
	Lat                          sql.NullFloat64
	Lon                          sql.NullFloat64
	LocationUpdatedAt            sql.NullTime
	Interests                    []string
	Needs                        []string
	About                        string
	LocationPreference           string
	AgePreference                string
	FriendshipLocationPriority   bool
	RelationshipDistanceFlexible bool
	Invisible                    bool
	Suspended                    bool
	DeletedAt                    sql.NullTime
}

// Matchable reports whether the profile may appear in discovery and
// matching results at all.
func (p *Profile) Matchable() bool {
	return !p.Suspended && !p.DeletedAt.Valid
}

// DisplayName folds the available identity fields into the name shown to
// other users: "first last", else username, else the e-mail local part,
// else "Someone".
func (p *Profile) DisplayName() string {
	if p.FirstName.Valid && p.FirstName.String != "" {
		if p.LastName.Valid && p.LastName.String != "" {
			return p.FirstName.String + " " + p.LastName.String
		}
		return p.FirstName.String
	}
	if p.Username != "" {
		return p.Username
	}
	if p.Email.Valid {
		if at := strings.Index(p.Email.String, "@"); at > 0 {
			return p.Email.String[:at]
		}
	}
	return "Someone"
}

const profileColumns = `id, username, first_name, last_name, email, age, gender, lat, lon, location_updated_at,
interests, needs, about, location_preference, age_preference, friendship_location_priority,
relationship_distance_flexible, invisible, suspended, deleted_at`

func scanProfile(row Scannable) (*Profile, error) {
	p := &Profile{}
	var interests, needs []byte
	err := row.Scan(&p.ID, &p.Username, &p.FirstName, &p.LastName, &p.Email, &p.Age, &p.Gender, &p.Lat, &p.Lon, &p.LocationUpdatedAt,
		&interests, &needs, &p.About, &p.LocationPreference, &p.AgePreference, &p.FriendshipLocationPriority,
		&p.RelationshipDistanceFlexible, &p.Invisible, &p.Suspended, &p.DeletedAt)
	if err != nil {
		return nil, err
	}
	if len(interests) > 0 {
		if err := json.Unmarshal(interests, &p.Interests); err != nil {
			return nil, err
		}
	}
	if len(needs) > 0 {
		if err := json.Unmarshal(needs, &p.Needs); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func GetProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, userID uuid.UUID) (*Profile, error) {
	row := db.QueryRowContext(ctx, "SELECT "+profileColumns+" FROM profiles WHERE id = $1", userID)
	p, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		logger.Error("Error querying profile", zap.String("user_id", userID.String()), zap.Error(err))
		return nil, err
	}
	return p, nil
}

// ProfileView is the wire representation of a profile. Anonymized views
// omit name, coordinates and anything that identifies the user.
type ProfileView struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"display_name,omitempty"`
	Age         int       `json:"age,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	About       string    `json:"about,omitempty"`
	Interests   []string  `json:"interests,omitempty"`
	Anonymized  bool      `json:"anonymized"`
}

// ResolvedProfile is the tagged variant callers receive instead of raw
// reveal flags.
type ResolvedProfile struct {
	Revealed bool
	View     *ProfileView
}

// ResolveProfile returns the view of target as seen by viewer. While the
// pair shares an active blind date the view stays anonymized; any other
// context, or a revealed match, serves the full view.
func ResolveProfile(ctx context.Context, logger *zap.Logger, db *sql.DB, viewerID, targetID uuid.UUID) (*ResolvedProfile, error) {
	target, err := GetProfile(ctx, logger, db, targetID)
	if err != nil {
		return nil, err
	}

	anonymized := false
	if viewerID != targetID {
		match, err := GetBlindDateMatchByPair(ctx, logger, db, viewerID, targetID)
		if err != nil && err != ErrNotFound {
			return nil, err
		}
		if match != nil && match.Status == BlindDateActive {
			anonymized = true
		}
	}

	if anonymized {
		return &ResolvedProfile{
			Revealed: false,
			View: &ProfileView{
				ID:         target.ID,
				About:      target.About,
				Interests:  target.Interests,
				Anonymized: true,
			},
		}, nil
	}

	return &ResolvedProfile{
		Revealed: true,
		View: &ProfileView{
			ID:          target.ID,
			DisplayName: target.DisplayName(),
			Age:         target.Age,
			Gender:      target.Gender,
			About:       target.About,
			Interests:   target.Interests,
			Anonymized:  false,
		},
	}, nil
}

// haversineKm returns the great-circle distance between two coordinates.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	const earthRadiusKm = 6371.0
	rad := func(d float64) float64 { return d * math.Pi / 180.0 }
	dLat := rad(lat2 - lat1)
	dLon := rad(lon2 - lon1)
	sinLat := math.Sin(dLat / 2)
	sinLon := math.Sin(dLon / 2)
	a := sinLat*sinLat + math.Cos(rad(lat1))*math.Cos(rad(lat2))*sinLon*sinLon
	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

func now() time.Time {
	return time.Now().UTC()
}
