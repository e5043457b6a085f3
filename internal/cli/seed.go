package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/portcullis-systems/portcullis/internal/config"
	"github.com/portcullis-systems/portcullis/internal/keys"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

var (
	seedUsers int
	seedDoors int
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the database with development fixtures",
	Long: `Generate users with badges, door controllers, groups, and access rules
for local development. Badge encryption keys are derived from the configured
master key, so seeded badges work against a server sharing that key.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runSeed(cmd.Context())
	},
}

func init() {
	seedCmd.Flags().IntVar(&seedUsers, "users", 25, "number of users to create")
	seedCmd.Flags().IntVar(&seedDoors, "doors", 8, "number of doors to create")
	rootCmd.AddCommand(seedCmd)
}

func runSeed(ctx context.Context) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Security.MasterKey == "" {
		return fmt.Errorf("security.master_key must be set to derive badge keys")
	}

	pool, err := repository.Connect(ctx, cfg.Database.Postgres.ConnString())
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer pool.Close()

	doorIDs, err := seedDoorFleet(ctx, pool)
	if err != nil {
		return err
	}
	fmt.Printf("Created %d doors\n", len(doorIDs))

	badgeIDs, userIDs, err := seedPeople(ctx, pool, cfg.Security.MasterKey)
	if err != nil {
		return err
	}
	fmt.Printf("Created %d users with badges\n", len(userIDs))

	if err := seedGroupsAndRules(ctx, pool, userIDs, badgeIDs, doorIDs); err != nil {
		return err
	}
	fmt.Println("Created groups and access rules")

	return nil
}

func seedDoorFleet(ctx context.Context, pool *pgxpool.Pool) ([]int64, error) {
	locations := []string{"Ground Floor", "First Floor", "Second Floor", "Basement", "Annex"}

	ids := make([]int64, 0, seedDoors)
	for i := 0; i < seedDoors; i++ {
		deviceID := fmt.Sprintf("ESP32-%s", strings.ToUpper(gofakeit.LetterN(8)))
		name := fmt.Sprintf("%s %s", gofakeit.RandomString([]string{"Main", "Side", "Lab", "Office", "Server Room", "Storage"}), gofakeit.RandomString([]string{"Entrance", "Door", "Access"}))

		var id int64
		err := pool.QueryRow(ctx, `
			INSERT INTO doors (name, location, device_id, firmware_version)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, name, gofakeit.RandomString(locations), deviceID, "1."+gofakeit.DigitN(1)+"."+gofakeit.DigitN(1)).Scan(&id)
		if err != nil {
			return nil, fmt.Errorf("failed to seed door: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func seedPeople(ctx context.Context, pool *pgxpool.Pool, masterKey string) (badgeIDs, userIDs []int64, err error) {
	for i := 0; i < seedUsers; i++ {
		person := gofakeit.Person()

		var userID int64
		err := pool.QueryRow(ctx, `
			INSERT INTO users (first_name, last_name, email)
			VALUES ($1, $2, $3)
			RETURNING id
		`, person.FirstName, person.LastName, gofakeit.Email()).Scan(&userID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seed user: %w", err)
		}
		userIDs = append(userIDs, userID)

		// 4-byte UID rendered the way NFC readers report it.
		badgeUID := fmt.Sprintf("%08X", gofakeit.Uint32())
		key, err := keys.BadgeKey(masterKey, badgeUID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to derive badge key: %w", err)
		}

		var badgeID int64
		err = pool.QueryRow(ctx, `
			INSERT INTO badges (badge_uid, encryption_key, user_id)
			VALUES ($1, $2, $3)
			RETURNING id
		`, badgeUID, key, userID).Scan(&badgeID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to seed badge: %w", err)
		}
		badgeIDs = append(badgeIDs, badgeID)
	}
	return badgeIDs, userIDs, nil
}

func seedGroupsAndRules(ctx context.Context, pool *pgxpool.Pool, userIDs, badgeIDs, doorIDs []int64) error {
	var staffGroupID int64
	if err := pool.QueryRow(ctx, `
		INSERT INTO user_groups (name, description)
		VALUES ('Staff', 'All regular staff members')
		RETURNING id
	`).Scan(&staffGroupID); err != nil {
		return fmt.Errorf("failed to seed user group: %w", err)
	}
	for _, uid := range userIDs {
		if _, err := pool.Exec(ctx, `
			INSERT INTO user_group_members (group_id, user_id) VALUES ($1, $2)
		`, staffGroupID, uid); err != nil {
			return fmt.Errorf("failed to add group member: %w", err)
		}
	}

	var commonDoorsID int64
	if err := pool.QueryRow(ctx, `
		INSERT INTO door_groups (name, description)
		VALUES ('Common Areas', 'Doors every staff member may open')
		RETURNING id
	`).Scan(&commonDoorsID); err != nil {
		return fmt.Errorf("failed to seed door group: %w", err)
	}
	// Half the fleet goes into the common group, the rest stays restricted.
	for _, did := range doorIDs[:len(doorIDs)/2] {
		if _, err := pool.Exec(ctx, `
			INSERT INTO door_group_members (group_id, door_id) VALUES ($1, $2)
		`, commonDoorsID, did); err != nil {
			return fmt.Errorf("failed to add door group member: %w", err)
		}
	}

	// Staff reach common areas on weekdays during business hours.
	if _, err := pool.Exec(ctx, `
		INSERT INTO access_rules (name, user_group_id, door_group_id, start_time, end_time, weekdays)
		VALUES ('Staff business hours', $1, $2, '08:00:00', '18:00:00', '1,2,3,4,5')
	`, staffGroupID, commonDoorsID); err != nil {
		return fmt.Errorf("failed to seed group rule: %w", err)
	}

	// A few individual around-the-clock rules on restricted doors.
	restricted := doorIDs[len(doorIDs)/2:]
	for i, bid := range badgeIDs {
		if i >= 3 || len(restricted) == 0 {
			break
		}
		door := restricted[i%len(restricted)]
		if _, err := pool.Exec(ctx, `
			INSERT INTO access_rules (name, badge_id, door_id)
			VALUES ($1, $2, $3)
		`, fmt.Sprintf("Individual access %d", i+1), bid, door); err != nil {
			return fmt.Errorf("failed to seed individual rule: %w", err)
		}
	}

	return nil
}
