package db

import (
	"fmt"
	"log"
	"math/rand"
	"time"

	"gorm.io/gorm"
)

// SeedTestData resets the database and populates it with demo users.
//
// Behavior:
//  1. Clears all engine tables.
//  2. Creates 20 users (10 male, 10 female) with varied cities and
//     season ratings; a few premium, one banned.
//  3. Creates a handful of finished dialogs with exchanged ratings so
//     the reputation fields are non-trivial.
//
// Compatible with both Postgres and SQLite.
func SeedTestData(db *gorm.DB) error {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))

	for _, table := range []string{"complaints", "ratings", "messages", "photos", "active_dialogs", "dialogs", "users"} {
		if err := db.Exec("DELETE FROM " + table).Error; err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	log.Println("Cleared existing data")

	cities := []string{"Moscow", "Berlin", "Lisbon", ""}

	users := make([]User, 0, 20)
	for i := 1; i <= 20; i++ {
		gender := GenderMale
		if i > 10 {
			gender = GenderFemale
		}

		name := fmt.Sprintf("Demo User %d", i)
		u := User{
			TelegramID:       int64(100000 + i),
			Gender:           gender,
			BirthDate:        time.Date(1990+r.Intn(15), time.Month(1+r.Intn(12)), 1+r.Intn(28), 0, 0, 0, 0, time.UTC),
			FullName:         &name,
			SeasonRatingChat: 3 + r.Float64()*7,
		}
		if city := cities[r.Intn(len(cities))]; city != "" {
			u.City = &city
		}
		if i%7 == 0 {
			until := time.Now().UTC().AddDate(0, 1, 0)
			u.SubscriptionUntil = &until
		}
		if i == 20 {
			u.IsBanned = true
		}

		if err := db.Create(&u).Error; err != nil {
			return fmt.Errorf("failed to seed user: %w", err)
		}
		users = append(users, u)
	}
	log.Println("Seeded 20 users.")

	// Finished dialogs with mutual chat ratings.
	for i := 0; i < 10; i++ {
		a := users[r.Intn(10)]
		b := users[10+r.Intn(9)]

		now := time.Now().UTC()
		d := Dialog{
			User1ID:    a.ID,
			User2ID:    b.ID,
			Status:     DialogFinished,
			FinishedAt: &now,
		}
		if err := db.Create(&d).Error; err != nil {
			return fmt.Errorf("failed to seed dialog: %w", err)
		}

		pairs := []struct{ from, to uint64 }{{a.ID, b.ID}, {b.ID, a.ID}}
		for _, p := range pairs {
			rating := Rating{
				DialogID:      d.ID,
				FromUserID:    p.from,
				ToUserID:      p.to,
				Kind:          RatingChat,
				Value:         3 + r.Intn(8),
				SeasonalValid: true,
			}
			if err := db.Create(&rating).Error; err != nil {
				return fmt.Errorf("failed to seed rating: %w", err)
			}
		}
	}
	log.Println("Seeded 10 finished dialogs with ratings.")

	return nil
}
