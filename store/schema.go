package store

// One durable store file exists per local user. Triggers enforce the
// contact/partial/handle mutual exclusion, orphaned key cleanup when the last
// membership for a user disappears, and key-index cleanup when a contact row
// is deleted. Foreign keys cascade conversation deletion down to messages,
// statuses, edits, drafts and attachments.
const initialSchema = `
CREATE TABLE groups (
	id BLOB PRIMARY KEY,
	epoch INTEGER NOT NULL,
	state INTEGER NOT NULL,
	wrapper_key BLOB NOT NULL,
	state_key BLOB NOT NULL,
	pending_diff BLOB
);

CREATE TABLE group_epoch_secrets (
	group_id BLOB NOT NULL,
	epoch INTEGER NOT NULL,
	secret BLOB NOT NULL,
	PRIMARY KEY (group_id, epoch),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE group_memberships (
	group_id BLOB NOT NULL,
	user_id BLOB NOT NULL,
	leaf_index INTEGER NOT NULL,
	status INTEGER NOT NULL,
	signature_key BLOB NOT NULL,
	PRIMARY KEY (group_id, user_id, status),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);
CREATE UNIQUE INDEX group_memberships_merged_leaf ON group_memberships (group_id, leaf_index) WHERE status = 3;

CREATE TABLE group_proposals (
	group_id BLOB NOT NULL,
	ref BLOB NOT NULL,
	body BLOB NOT NULL,
	PRIMARY KEY (group_id, ref),
	FOREIGN KEY(group_id) REFERENCES groups(id) ON DELETE CASCADE
);

CREATE TABLE key_packages (
	id BLOB PRIMARY KEY,
	user_id BLOB NOT NULL,
	body BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX key_packages_user ON key_packages (user_id);

CREATE TABLE conversations (
	id BLOB PRIMARY KEY,
	group_id BLOB,
	kind INTEGER NOT NULL,
	title TEXT NOT NULL,
	picture BLOB,
	last_read_at INTEGER NOT NULL DEFAULT 0,
	active INTEGER NOT NULL DEFAULT 1,
	inactive_reason TEXT NOT NULL DEFAULT '',
	degraded INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX conversations_group ON conversations (group_id);

CREATE TABLE contacts (
	user_id BLOB PRIMARY KEY,
	conversation_id BLOB NOT NULL,
	key_index INTEGER NOT NULL,
	display_name TEXT NOT NULL DEFAULT '',
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE TABLE partial_contacts (
	user_id BLOB PRIMARY KEY,
	conversation_id BLOB NOT NULL,
	offer_hash BLOB NOT NULL,
	offer_key BLOB NOT NULL DEFAULT x'',
	created_at INTEGER NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX partial_contacts_offer ON partial_contacts (offer_hash);

CREATE TABLE handle_contacts (
	handle TEXT PRIMARY KEY,
	user_id BLOB,
	conversation_id BLOB,
	package_key BLOB NOT NULL,
	offer_hash BLOB NOT NULL,
	expires_at INTEGER NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

CREATE TABLE blocked_contacts (
	user_id BLOB PRIMARY KEY,
	blocked_at INTEGER NOT NULL,
	reported INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE user_keys (
	user_id BLOB NOT NULL,
	key_index INTEGER NOT NULL,
	key BLOB NOT NULL,
	is_self INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, key_index)
);

CREATE TABLE messages (
	id BLOB PRIMARY KEY,
	conversation_id BLOB NOT NULL,
	sender_id BLOB NOT NULL,
	kind INTEGER NOT NULL,
	body BLOB NOT NULL,
	protocol_message_id BLOB,
	status INTEGER NOT NULL DEFAULT 0,
	sent_at INTEGER NOT NULL,
	edited_at INTEGER,
	logical_clock INTEGER NOT NULL DEFAULT 0,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX messages_conversation ON messages (conversation_id, sent_at);
CREATE INDEX messages_protocol ON messages (protocol_message_id);

CREATE TABLE message_status (
	message_id BLOB NOT NULL,
	user_id BLOB NOT NULL,
	status INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id),
	FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
);

CREATE TABLE message_edits (
	id BLOB PRIMARY KEY,
	message_id BLOB NOT NULL,
	body BLOB NOT NULL,
	logical_clock INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE
);
CREATE INDEX message_edits_message ON message_edits (message_id, logical_clock);

CREATE TABLE drafts (
	conversation_id BLOB PRIMARY KEY,
	body TEXT NOT NULL,
	editing_message_id BLOB,
	updated_at INTEGER NOT NULL,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);

-- message_id is null for an outgoing attachment until its upload finishes and
-- the carrying message is inserted
CREATE TABLE attachments (
	id BLOB PRIMARY KEY,
	message_id BLOB,
	conversation_id BLOB NOT NULL,
	status INTEGER NOT NULL,
	filename TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size INTEGER NOT NULL,
	ref TEXT NOT NULL DEFAULT '',
	content BLOB,
	FOREIGN KEY(message_id) REFERENCES messages(id) ON DELETE CASCADE,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
);
CREATE INDEX attachments_message ON attachments (message_id);
CREATE INDEX attachments_conversation ON attachments (conversation_id);

CREATE TABLE pending_attachments (
	attachment_id BLOB PRIMARY KEY,
	enc_key BLOB NOT NULL,
	nonce BLOB NOT NULL,
	hash BLOB NOT NULL,
	size INTEGER NOT NULL,
	next_offset INTEGER NOT NULL DEFAULT 0,
	partial BLOB NOT NULL DEFAULT x'',
	FOREIGN KEY(attachment_id) REFERENCES attachments(id) ON DELETE CASCADE
);

CREATE TABLE queue_cursors (
	service TEXT PRIMARY KEY,
	cursor BLOB NOT NULL
);

CREATE TABLE processed_envelopes (
	envelope_id BLOB PRIMARY KEY,
	processed_at INTEGER NOT NULL
);

CREATE TABLE outbox (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	envelope_id BLOB NOT NULL UNIQUE,
	group_id BLOB,
	kind INTEGER NOT NULL,
	payload BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TRIGGER contacts_exclusive BEFORE INSERT ON contacts
BEGIN
	SELECT RAISE(ABORT, 'user already has a partial contact')
	WHERE EXISTS (SELECT 1 FROM partial_contacts WHERE user_id = NEW.user_id);
	SELECT RAISE(ABORT, 'user already has a handle contact')
	WHERE EXISTS (SELECT 1 FROM handle_contacts WHERE user_id = NEW.user_id);
END;

CREATE TRIGGER partial_contacts_exclusive BEFORE INSERT ON partial_contacts
BEGIN
	SELECT RAISE(ABORT, 'user already has a contact')
	WHERE EXISTS (SELECT 1 FROM contacts WHERE user_id = NEW.user_id);
	SELECT RAISE(ABORT, 'user already has a handle contact')
	WHERE EXISTS (SELECT 1 FROM handle_contacts WHERE user_id = NEW.user_id);
END;

CREATE TRIGGER handle_contacts_exclusive BEFORE INSERT ON handle_contacts
WHEN NEW.user_id IS NOT NULL
BEGIN
	SELECT RAISE(ABORT, 'user already has a contact')
	WHERE EXISTS (SELECT 1 FROM contacts WHERE user_id = NEW.user_id);
	SELECT RAISE(ABORT, 'user already has a partial contact')
	WHERE EXISTS (SELECT 1 FROM partial_contacts WHERE user_id = NEW.user_id);
END;

CREATE TRIGGER memberships_orphan_cleanup AFTER DELETE ON group_memberships
BEGIN
	DELETE FROM key_packages
	WHERE user_id = OLD.user_id
		AND NOT EXISTS (SELECT 1 FROM group_memberships WHERE user_id = OLD.user_id)
		AND NOT EXISTS (SELECT 1 FROM contacts WHERE user_id = OLD.user_id)
		AND NOT EXISTS (SELECT 1 FROM user_keys WHERE user_id = OLD.user_id AND is_self = 1);
	DELETE FROM user_keys
	WHERE user_id = OLD.user_id AND is_self = 0
		AND NOT EXISTS (SELECT 1 FROM group_memberships WHERE user_id = OLD.user_id)
		AND NOT EXISTS (SELECT 1 FROM contacts WHERE user_id = OLD.user_id);
END;

CREATE TRIGGER contacts_key_cleanup AFTER DELETE ON contacts
BEGIN
	DELETE FROM user_keys
	WHERE user_id = OLD.user_id AND is_self = 0
		AND NOT EXISTS (SELECT 1 FROM group_memberships WHERE user_id = OLD.user_id);
END;
`
