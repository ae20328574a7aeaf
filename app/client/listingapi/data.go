package listingapi

import (
	"encoding/json"
	"net/url"
	"strconv"
)

type Address struct {
	Street   string `json:"street"`
	District string `json:"district"`
	City     string `json:"city"`
}

type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

type Listing struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Address     Address  `json:"address"`
	Price       int64    `json:"price"`
	Area        float64  `json:"area"`
	Bedrooms    int      `json:"bedrooms"`
	Images      []string `json:"images"`
	Status      string   `json:"status"`
	Featured    bool     `json:"featured,omitempty"`
	Description string   `json:"description,omitempty"`
	Amenities   []string `json:"amenities,omitempty"`
	Contact     *Contact `json:"contact,omitempty"`
}

// UnmarshalJSON accepts the backend's "_id" as well as "id".
func (l *Listing) UnmarshalJSON(data []byte) error {
	type plain Listing

	var wire struct {
		plain
		MongoID string `json:"_id"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}

	*l = Listing(wire.plain)
	if wire.MongoID != "" {
		l.ID = wire.MongoID
	}

	return nil
}

type Profile struct {
	Name     string   `json:"name"`
	Email    string   `json:"email"`
	Phone    string   `json:"phone"`
	SavedIDs []string `json:"savedApartments"`
}

type ProfileUpdate struct {
	Name  string `json:"name" validate:"required,max=100"`
	Phone string `json:"phone" validate:"omitempty,numeric,min=9,max=11"`
}

// Query is the outgoing search filter. Nil fields are not sent.
type Query struct {
	Address  *string
	MinPrice *int64
	MaxPrice *int64
}

func (q Query) Values() url.Values {
	values := url.Values{}

	if q.Address != nil && *q.Address != "" {
		values.Set("address", *q.Address)
	}
	if q.MinPrice != nil {
		values.Set("minPrice", strconv.FormatInt(*q.MinPrice, 10))
	}
	if q.MaxPrice != nil {
		values.Set("maxPrice", strconv.FormatInt(*q.MaxPrice, 10))
	}

	return values
}

type savedRequest struct {
	ApartmentID string `json:"apartmentId"`
}

type savedResponse struct {
	SavedIDs *[]string `json:"savedApartments"`
}

type errorResponse struct {
	Message string `json:"message"`
}
