package storage

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"MChat/service/chat"
	errs "MChat/tools/errs"
)

const (
	collMessages      = "messages"
	collConversations = "conversations"
	collSeqConv       = "seq_conversation"
)

// MongoStore is the gateway's durable side: message persistence,
// per-conversation sequence issuing, and participant resolution. It
// implements both chat.MessageStore and chat.ParticipantSource.
type MongoStore struct {
	db *mongo.Database
}

type messageDoc struct {
	ID             string `bson:"_id"`
	ClientMsgID    string `bson:"client_msg_id"`
	ConversationID string `bson:"conversation_id"`
	AuthorID       string `bson:"author_id"`
	Content        string `bson:"content"`
	Status         string `bson:"status"`
	SequenceNumber int64  `bson:"sequence_number"`
	CreatedAt      int64  `bson:"created_at"`
	UpdatedAt      int64  `bson:"updated_at"`
}

type conversationDoc struct {
	ID           string   `bson:"_id"`
	Participants []string `bson:"participants"`
	UpdatedAt    int64    `bson:"updated_at"`
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{db: db}
}

// EnsureIndexes creates the uniqueness index that makes SaveMessage
// idempotent under concurrent replays.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(collMessages).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "client_msg_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sequence_number", Value: -1}},
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	return nil
}

// SaveMessage inserts the message or, when clientMsgID was already
// accepted, returns the previously stored message with duplicate=true.
// The unique index on client_msg_id closes the race between two
// concurrent replays of the same send.
func (s *MongoStore) SaveMessage(ctx context.Context, msg *chat.WireMessage, clientMsgID string) (*chat.WireMessage, bool, error) {
	c := s.db.Collection(collMessages)

	doc := messageDoc{
		ID:             msg.ID,
		ClientMsgID:    clientMsgID,
		ConversationID: msg.ConversationID,
		AuthorID:       msg.AuthorID,
		Content:        msg.Content,
		Status:         msg.Status,
		SequenceNumber: msg.SequenceNumber,
		CreatedAt:      msg.CreatedAt,
		UpdatedAt:      msg.UpdatedAt,
	}
	_, err := c.InsertOne(ctx, doc)
	if err == nil {
		return msg, false, nil
	}
	if !mongo.IsDuplicateKeyError(err) {
		return nil, false, errs.WrapMsg(err, "insert message conv=%s", msg.ConversationID)
	}

	var existing messageDoc
	if err := c.FindOne(ctx, bson.M{"client_msg_id": clientMsgID}).Decode(&existing); err != nil {
		return nil, false, errs.WrapMsg(err, "load duplicate for client id %s", clientMsgID)
	}
	return existing.toWire(), true, nil
}

func (d *messageDoc) toWire() *chat.WireMessage {
	return &chat.WireMessage{
		ID:             d.ID,
		ConversationID: d.ConversationID,
		AuthorID:       d.AuthorID,
		Content:        d.Content,
		Status:         d.Status,
		SequenceNumber: d.SequenceNumber,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// NextSeq atomically issues the next sequence number for the
// conversation. The $inc with upsert makes the whole allocation one
// mongo round trip; Before semantics mean a fresh conversation hands
// out 1.
func (s *MongoStore) NextSeq(ctx context.Context, conversationID string) (int64, error) {
	c := s.db.Collection(collSeqConv)
	now := time.Now()

	filter := bson.M{"conversation_id": conversationID}
	update := bson.M{
		"$inc":         bson.M{"issued_seq": int64(1)},
		"$setOnInsert": bson.M{"create_time": now},
		"$set":         bson.M{"update_time": now},
	}

	var before struct {
		IssuedSeq int64 `bson:"issued_seq"`
	}
	err := c.FindOneAndUpdate(
		ctx, filter, update,
		options.FindOneAndUpdate().
			SetUpsert(true).
			SetReturnDocument(options.Before),
	).Decode(&before)
	if err != nil && err != mongo.ErrNoDocuments {
		return 0, errs.WrapMsg(err, "alloc seq %s", conversationID)
	}
	return before.IssuedSeq + 1, nil
}

// UpdateStatus applies a delivery or read receipt to a stored message.
// Missing messages are not an error; receipts may arrive after a purge.
func (s *MongoStore) UpdateStatus(ctx context.Context, messageID, status string) error {
	c := s.db.Collection(collMessages)
	_, err := c.UpdateOne(ctx,
		bson.M{"_id": messageID},
		bson.M{"$set": bson.M{"status": status, "updated_at": time.Now().UnixMilli()}},
	)
	if err != nil {
		return errs.WrapMsg(err, "update status msg=%s", messageID)
	}
	return nil
}

// GetParticipants resolves the member list for fan-out.
func (s *MongoStore) GetParticipants(ctx context.Context, conversationID string) ([]string, error) {
	var doc conversationDoc
	err := s.db.Collection(collConversations).
		FindOne(ctx, bson.M{"_id": conversationID}).
		Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "load conversation %s", conversationID)
	}
	return doc.Participants, nil
}

// UpsertConversation registers or refreshes a conversation's member
// list.
func (s *MongoStore) UpsertConversation(ctx context.Context, conversationID string, participants []string) error {
	_, err := s.db.Collection(collConversations).UpdateOne(ctx,
		bson.M{"_id": conversationID},
		bson.M{"$set": bson.M{
			"participants": participants,
			"updated_at":   time.Now().UnixMilli(),
		}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.WrapMsg(err, "upsert conversation %s", conversationID)
	}
	return nil
}

// ListMessages pages a conversation newest-first by sequence number.
func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, limit int64, beforeSeq int64) ([]*chat.WireMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	filter := bson.M{"conversation_id": conversationID}
	if beforeSeq > 0 {
		filter["sequence_number"] = bson.M{"$lt": beforeSeq}
	}
	cur, err := s.db.Collection(collMessages).Find(ctx, filter,
		options.Find().
			SetSort(bson.D{{Key: "sequence_number", Value: -1}}).
			SetLimit(limit),
	)
	if err != nil {
		return nil, errs.WrapMsg(err, "list messages %s", conversationID)
	}
	defer cur.Close(ctx)

	var out []*chat.WireMessage
	for cur.Next(ctx) {
		var doc messageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, doc.toWire())
	}
	return out, cur.Err()
}
