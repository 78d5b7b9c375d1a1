package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"hrauth/internal/domain/models"
	"hrauth/internal/storage"
)

type Storage struct {
	client   *mongo.Client
	database *mongo.Database
	users    *mongo.Collection
	tokens   *mongo.Collection
}

type userDoc struct {
	ID          string    `bson:"_id"`
	Username    string    `bson:"username"`
	DisplayName string    `bson:"display_name"`
	Role        string    `bson:"role"`
	Active      bool      `bson:"active"`
	PassHash    []byte    `bson:"pass_hash"`
	CreatedAt   time.Time `bson:"created_at"`
	UpdatedAt   time.Time `bson:"updated_at"`
}

type refreshTokenDoc struct {
	ID        string    `bson:"_id"`
	Token     string    `bson:"token"`
	OwnerID   string    `bson:"owner_id"`
	ExpiresAt time.Time `bson:"expires_at"`
	Revoked   bool      `bson:"revoked"`
	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

// New creates a new MongoDB storage instance and sets up indexes.
func New(ctx context.Context, uri, database string) (*Storage, error) {
	const op = "storage.mongodb.New"

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}

	db := client.Database(database)
	s := &Storage{
		client:   client,
		database: db,
		users:    db.Collection("users"),
		tokens:   db.Collection("refresh_tokens"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, fmt.Errorf("%s: indexes: %w", op, err)
	}

	return s, nil
}

func (s *Storage) ensureIndexes(ctx context.Context) error {
	_, err := s.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "username", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("users.username index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.token index: %w", err)
	}

	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "revoked", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.owner_id index: %w", err)
	}

	// Plain index, not TTL: expired records must stay visible until the sweeper
	// removes them so that replays are still classified.
	_, err = s.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "expires_at", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("refresh_tokens.expires_at index: %w", err)
	}

	return nil
}

// Close disconnects from MongoDB.
func (s *Storage) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

// Drop removes the whole database. Used by tests.
func (s *Storage) Drop(ctx context.Context) error {
	return s.database.Drop(ctx)
}

// SaveUser saves a new user and returns its id.
func (s *Storage) SaveUser(ctx context.Context, user models.User) (string, error) {
	const op = "storage.mongodb.SaveUser"

	doc := userDoc{
		ID:          user.ID,
		Username:    user.Username,
		DisplayName: user.DisplayName,
		Role:        user.Role,
		Active:      user.Active,
		PassHash:    user.PassHash,
		CreatedAt:   user.CreatedAt,
		UpdatedAt:   user.UpdatedAt,
	}

	_, err := s.users.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return "", fmt.Errorf("%s: %w", op, storage.ErrUserExists)
		}
		return "", fmt.Errorf("%s: %w", op, err)
	}

	return user.ID, nil
}

// User retrieves a user by username.
func (s *Storage) User(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.mongodb.User"

	user, err := s.findUser(ctx, bson.D{{Key: "username", Value: username}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// UserByID retrieves a user by id.
func (s *Storage) UserByID(ctx context.Context, userID string) (*models.User, error) {
	const op = "storage.mongodb.UserByID"

	user, err := s.findUser(ctx, bson.D{{Key: "_id", Value: userID}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return user, nil
}

// SetUserActive flips the active flag of a user.
func (s *Storage) SetUserActive(ctx context.Context, userID string, active bool, at time.Time) error {
	const op = "storage.mongodb.SetUserActive"

	res, err := s.users.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: userID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "active", Value: active},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

func (s *Storage) findUser(ctx context.Context, filter bson.D) (*models.User, error) {
	var doc userDoc
	err := s.users.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}

	return &models.User{
		ID:          doc.ID,
		Username:    doc.Username,
		DisplayName: doc.DisplayName,
		Role:        doc.Role,
		Active:      doc.Active,
		PassHash:    doc.PassHash,
		CreatedAt:   doc.CreatedAt,
		UpdatedAt:   doc.UpdatedAt,
	}, nil
}

// SaveRefreshToken stores a new refresh token record. The unique index on
// token guarantees a colliding value never replaces another owner's record.
func (s *Storage) SaveRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.SaveRefreshToken"

	doc := refreshTokenDoc{
		ID:        token.ID,
		Token:     token.Value,
		OwnerID:   token.OwnerID,
		ExpiresAt: token.ExpiresAt,
		Revoked:   token.Revoked,
		CreatedAt: token.CreatedAt,
		UpdatedAt: token.UpdatedAt,
	}

	_, err := s.tokens.InsertOne(ctx, doc)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("%s: %w", op, storage.ErrTokenExists)
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// RefreshToken retrieves a refresh token record by its exact value.
func (s *Storage) RefreshToken(ctx context.Context, value string) (*models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshToken"

	var doc refreshTokenDoc
	err := s.tokens.FindOne(ctx, bson.D{{Key: "token", Value: value}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	token := doc.model()
	return &token, nil
}

// RefreshTokensByOwner lists every record of the owner, newest first.
func (s *Storage) RefreshTokensByOwner(ctx context.Context, ownerID string) ([]models.RefreshToken, error) {
	const op = "storage.mongodb.RefreshTokensByOwner"

	tokens, err := s.findTokens(ctx, bson.D{{Key: "owner_id", Value: ownerID}})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// ActiveRefreshTokensByOwner lists the owner's records that are neither revoked nor expired at now.
func (s *Storage) ActiveRefreshTokensByOwner(ctx context.Context, ownerID string, now time.Time) ([]models.RefreshToken, error) {
	const op = "storage.mongodb.ActiveRefreshTokensByOwner"

	tokens, err := s.findTokens(ctx, liveFilter(ownerID, now))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return tokens, nil
}

// UpdateRefreshToken persists the mutable fields of a record. A revoked
// record is never flipped back.
func (s *Storage) UpdateRefreshToken(ctx context.Context, token models.RefreshToken) error {
	const op = "storage.mongodb.UpdateRefreshToken"

	set := bson.D{{Key: "updated_at", Value: token.UpdatedAt}}
	if token.Revoked {
		set = append(set, bson.E{Key: "revoked", Value: true})
	}

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{{Key: "_id", Value: token.ID}},
		bson.D{{Key: "$set", Value: set}},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrNotFound)
	}
	return nil
}

// RevokeRefreshToken revokes a single record only if it is not revoked yet.
// It reports whether this call performed the revocation.
func (s *Storage) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error) {
	const op = "storage.mongodb.RevokeRefreshToken"

	res, err := s.tokens.UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: id},
			{Key: "revoked", Value: false},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updated_at", Value: at},
		}}},
	)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return res.ModifiedCount == 1, nil
}

// RevokeAllRefreshTokens revokes every live record of the owner and returns how many were flipped.
func (s *Storage) RevokeAllRefreshTokens(ctx context.Context, ownerID string, now time.Time) (int64, error) {
	const op = "storage.mongodb.RevokeAllRefreshTokens"

	res, err := s.tokens.UpdateMany(ctx,
		liveFilter(ownerID, now),
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "revoked", Value: true},
			{Key: "updated_at", Value: now},
		}}},
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.ModifiedCount, nil
}

// DeleteExpiredRefreshTokens physically removes records that expired before now.
func (s *Storage) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	const op = "storage.mongodb.DeleteExpiredRefreshTokens"

	res, err := s.tokens.DeleteMany(ctx, bson.D{
		{Key: "expires_at", Value: bson.D{{Key: "$lt", Value: now}}},
	})
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return res.DeletedCount, nil
}

// SeedUser inserts a user if the username is free (for dev/test).
func (s *Storage) SeedUser(ctx context.Context, user models.User) error {
	const op = "storage.mongodb.SeedUser"

	if _, err := s.SaveUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrUserExists) {
			return nil
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) findTokens(ctx context.Context, filter bson.D) ([]models.RefreshToken, error) {
	cursor, err := s.tokens.Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}}),
	)
	if err != nil {
		return nil, err
	}

	var docs []refreshTokenDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	tokens := make([]models.RefreshToken, 0, len(docs))
	for _, doc := range docs {
		tokens = append(tokens, doc.model())
	}
	return tokens, nil
}

func liveFilter(ownerID string, now time.Time) bson.D {
	return bson.D{
		{Key: "owner_id", Value: ownerID},
		{Key: "revoked", Value: false},
		{Key: "expires_at", Value: bson.D{{Key: "$gt", Value: now}}},
	}
}

func (d refreshTokenDoc) model() models.RefreshToken {
	return models.RefreshToken{
		ID:        d.ID,
		Value:     d.Token,
		OwnerID:   d.OwnerID,
		ExpiresAt: d.ExpiresAt.UTC(),
		Revoked:   d.Revoked,
		CreatedAt: d.CreatedAt.UTC(),
		UpdatedAt: d.UpdatedAt.UTC(),
	}
}

// isDuplicateKeyError checks if the error is a MongoDB duplicate key error (code 11000).
func isDuplicateKeyError(err error) bool {
	var we mongo.WriteException
	if errors.As(err, &we) {
		for _, e := range we.WriteErrors {
			if e.Code == 11000 {
				return true
			}
		}
	}
	return false
}
