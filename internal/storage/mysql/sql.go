package mysql

// Note: `text` is reserved; keep it quoted everywhere.
const reviewColumns = "id, location_id, external_review_id, external_review_name, reviewer_name, reviewer_photo_url, " +
	"rating, `text`, created_at, updated_at, received_at, is_anonymous, reply_status, consumes_quota, " +
	"classification, notification_sent"

const insertReviewSQL = "INSERT INTO reviews\n" +
	"  (location_id, external_review_id, external_review_name, reviewer_name, reviewer_photo_url,\n" +
	"   rating, `text`, created_at, updated_at, received_at, is_anonymous, reply_status, consumes_quota, notification_sent)\n" +
	"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)"

// Only the fields an upstream edit can change; status and quota flags are ours.
const applyReviewUpdateSQL = "UPDATE reviews SET\n" +
	"  rating             = ?,\n" +
	"  `text`             = ?,\n" +
	"  updated_at         = ?,\n" +
	"  reviewer_name      = ?,\n" +
	"  reviewer_photo_url = ?,\n" +
	"  is_anonymous       = ?\n" +
	"WHERE id = ?"

const setReplyStatusSQL = `UPDATE reviews SET reply_status = ? WHERE id = ?`

const setClassificationSQL = `UPDATE reviews SET classification = ? WHERE id = ?`

const markNotificationSentSQL = `UPDATE reviews SET notification_sent = TRUE WHERE id = ?`

const getReviewSQL = "SELECT " + reviewColumns + " FROM reviews WHERE id = ?"

const findReviewByExternalSQL = "SELECT " + reviewColumns + " FROM reviews WHERE location_id = ? AND external_review_id = ?"

// expanded with one placeholder per id
const existingExternalIDsSQL = `SELECT external_review_id FROM reviews WHERE location_id = ? AND external_review_id IN (%s)`

const listReviewsSQL = "SELECT " + reviewColumns + `
FROM reviews
WHERE location_id = ?
ORDER BY created_at DESC, id DESC
LIMIT ?`

// failed reviews that never produced a draft; drafts with a failed post wait for a human
const listRetryableSQL = `
SELECT r.id
FROM reviews r
WHERE r.reply_status = 'failed'
  AND r.received_at >= ?
  AND NOT EXISTS (SELECT 1 FROM review_replies rp WHERE rp.review_id = r.id)
ORDER BY r.received_at
LIMIT ?`

const insertReplySQL = "INSERT INTO review_replies\n" +
	"  (review_id, `text`, status, posted_at, generated_by, type)\n" +
	"VALUES (?, ?, ?, ?, ?, ?)"

const latestReplySQL = "SELECT id, review_id, `text`, status, posted_at, generated_by, type, created_at\n" +
	"FROM review_replies WHERE review_id = ? ORDER BY id DESC LIMIT 1"

const markReplyPostedSQL = `UPDATE review_replies SET status = 'posted', posted_at = ? WHERE id = ?`

// -----------------------------------------------------------------------------
// LOCATIONS & OWNERSHIP
// -----------------------------------------------------------------------------

const getLocationSQL = `
SELECT id, name, external_location_id, resource_name
FROM locations
WHERE id = ?`

const locationByExternalSQL = `
SELECT id, name, external_location_id, resource_name
FROM locations
WHERE external_location_id = ?`

const ownerMembershipSQL = `
SELECT user_id, account_id
FROM location_members
WHERE location_id = ? AND role = 'owner'
ORDER BY created_at, user_id
LIMIT 1`

const activeAccountLinkSQL = `
SELECT al.account_id, a.user_id
FROM account_locations al
JOIN accounts a ON a.id = al.account_id
WHERE al.location_id = ? AND al.status = 'active'
ORDER BY al.created_at, al.account_id
LIMIT 1`

// union of members and users behind active account links; a user without a
// settings row gets the default (emails on)
const stakeholdersSQL = `
SELECT u.id, u.email, u.name, COALESCE(ns.review_emails, TRUE)
FROM users u
LEFT JOIN notification_settings ns ON ns.user_id = u.id
WHERE u.id IN (
  SELECT lm.user_id FROM location_members lm WHERE lm.location_id = ?
  UNION
  SELECT a.user_id
  FROM account_locations al
  JOIN accounts a ON a.id = al.account_id
  WHERE al.location_id = ? AND al.status = 'active'
)
ORDER BY u.id`

const ratingConfigsSQL = `
SELECT rating, auto_reply, COALESCE(instructions, '')
FROM location_reply_settings
WHERE location_id = ?`

const refreshTokenSQL = `SELECT encrypted_refresh_token FROM accounts WHERE id = ?`

const connectedLocationsSQL = `
SELECT location_id, account_id
FROM account_locations
WHERE status = 'active'
ORDER BY location_id, account_id`

// -----------------------------------------------------------------------------
// USAGE
// -----------------------------------------------------------------------------

const activeTierSQL = `
SELECT tier
FROM subscriptions
WHERE user_id = ? AND status IN ('active', 'trialing')
ORDER BY created_at DESC, id DESC
LIMIT 1`

const countQuotaUsageSQL = `
SELECT COUNT(*)
FROM reviews r
WHERE r.consumes_quota = TRUE
  AND r.received_at >= ?
  AND r.location_id IN (
    SELECT lm.location_id FROM location_members lm WHERE lm.user_id = ?
    UNION
    SELECT al.location_id
    FROM account_locations al
    JOIN accounts a ON a.id = al.account_id
    WHERE a.user_id = ?
  )`
