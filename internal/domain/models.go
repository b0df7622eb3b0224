// Package domain defines the persistence models for marketplace chat rooms,
// their messages, and the read-only product listings rooms are keyed on.
// These types are mapped with GORM and form the core data layer of the
// chat service.
package domain

import (
	"time"
)

// Room is the persistent context of one conversation between a buyer and a
// seller about one product listing. At most one room exists per
// (product, seller, buyer) triple, enforced by ux_room_triple.
//
// Fields:
//   - ID: time-ordered UUID primary key (char(36)).
//   - ProductID: the listing the conversation is about.
//   - SellerID: identity of the listing owner.
//   - BuyerID: identity of the interested party.
//   - CreatedAt: set once by the directory; rooms are never updated.
type Room struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	ProductID string    `json:"product"    gorm:"type:varchar(64);not null;uniqueIndex:ux_room_triple,priority:1"`
	SellerID  string    `json:"seller"     gorm:"type:varchar(64);not null;uniqueIndex:ux_room_triple,priority:2;index:idx_room_seller"`
	BuyerID   string    `json:"buyer"      gorm:"type:varchar(64);not null;uniqueIndex:ux_room_triple,priority:3;index:idx_room_buyer"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`
}

// TableName returns the database table name for Room.
func (Room) TableName() string { return "rooms" }

// HasParticipant reports whether userID is the seller or the buyer.
func (r Room) HasParticipant(userID string) bool {
	return userID != "" && (r.SellerID == userID || r.BuyerID == userID)
}

// Message is one immutable chat line inside a room.
//
// Sender is a free-form nickname label, not a foreign key. CreatedAt is
// assigned by the store and never goes backwards within a room.
type Message struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	RoomID    string    `json:"room"       gorm:"type:char(36);not null;index:idx_room_msgs,priority:1"`
	Sender    string    `json:"sender"     gorm:"type:varchar(128);not null"`
	Body      string    `json:"text"       gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"index:idx_room_msgs,priority:2"`

	// Room owns the message; removing a room administratively removes its history.
	Room Room `json:"-" gorm:"foreignKey:RoomID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Message.
func (Message) TableName() string { return "messages" }

// Product is the slice of a catalog listing the chat core reads: who sells it.
// The table is owned by the catalog; the chat service never writes it outside
// of tests and seeding.
type Product struct {
	ID       string `json:"id"        gorm:"type:varchar(64);primaryKey"`
	SellerID string `json:"seller_id" gorm:"type:varchar(64);not null;index"`
	Title    string `json:"title"     gorm:"type:varchar(255)"`
}

// TableName returns the database table name for Product.
func (Product) TableName() string { return "products" }
