package settings

const (
	querySchema = `
CREATE TABLE IF NOT EXISTS product_try_on_settings (
    product_id      TEXT PRIMARY KEY,
    try_on_enabled  BOOLEAN NOT NULL DEFAULT FALSE,
    try_on_type     TEXT NULL,
    try_on_offset_y DOUBLE PRECISION NOT NULL DEFAULT 0,
    try_on_scale    DOUBLE PRECISION NOT NULL DEFAULT 1,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    CONSTRAINT try_on_offset_y_range CHECK (try_on_offset_y BETWEEN -50 AND 50),
    CONSTRAINT try_on_scale_range CHECK (try_on_scale BETWEEN 0.5 AND 2)
)`

	queryGetSettings = `
SELECT product_id, try_on_enabled, try_on_type, try_on_offset_y, try_on_scale, updated_at
FROM product_try_on_settings
    WHERE product_id = :product_id`

	queryUpsertSettings = `
INSERT INTO product_try_on_settings (product_id, try_on_enabled, try_on_type, try_on_offset_y, try_on_scale, updated_at)
VALUES (:product_id, :try_on_enabled, :try_on_type, :try_on_offset_y, :try_on_scale, :updated_at)
ON CONFLICT (product_id) DO UPDATE
SET try_on_enabled = EXCLUDED.try_on_enabled,
    try_on_type = EXCLUDED.try_on_type,
    try_on_offset_y = EXCLUDED.try_on_offset_y,
    try_on_scale = EXCLUDED.try_on_scale,
    updated_at = EXCLUDED.updated_at`

	queryDeleteSettings = `
DELETE FROM product_try_on_settings
WHERE product_id = :product_id`

	queryListProducts = `
SELECT product_id
FROM product_try_on_settings
ORDER BY product_id`
)
