package store

import (
	"context"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		customer_id VARCHAR(50) PRIMARY KEY,
		customer_name VARCHAR(100) NOT NULL,
		email VARCHAR(100) UNIQUE NOT NULL,
		phone VARCHAR(20),
		address TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS inventory (
		product_id VARCHAR(50) PRIMARY KEY,
		product_name VARCHAR(100) NOT NULL,
		description TEXT,
		price NUMERIC(10,2) NOT NULL CHECK (price >= 0),
		stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
		category VARCHAR(50),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		order_id VARCHAR(50) PRIMARY KEY,
		customer_id VARCHAR(50) NOT NULL REFERENCES customers(customer_id) ON DELETE CASCADE,
		total_amount NUMERIC(10,2) NOT NULL CHECK (total_amount >= 0),
		status VARCHAR(50) NOT NULL DEFAULT 'pending',
		payment_status VARCHAR(50),
		transaction_id VARCHAR(100),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_items (
		id SERIAL PRIMARY KEY,
		order_id VARCHAR(50) NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
		product_id VARCHAR(50) NOT NULL REFERENCES inventory(product_id) ON DELETE CASCADE,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		price NUMERIC(10,2) NOT NULL CHECK (price >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS order_reservations (
		order_id VARCHAR(50) NOT NULL REFERENCES orders(order_id) ON DELETE CASCADE,
		product_id VARCHAR(50) NOT NULL REFERENCES inventory(product_id) ON DELETE CASCADE,
		quantity INTEGER NOT NULL CHECK (quantity > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (order_id, product_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_customer_id ON orders(customer_id)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created_at ON orders(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_order_items_order_id ON order_items(order_id)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_stock ON inventory(stock_quantity)`,
	`CREATE INDEX IF NOT EXISTS idx_inventory_name ON inventory(product_name)`,
}

var sampleData = []string{
	`INSERT INTO customers (customer_id, customer_name, email, phone, address) VALUES
		('CUST001', 'John Doe', 'john@example.com', '+1-555-0101', '123 Main St, New York, NY'),
		('CUST002', 'Jane Smith', 'jane@example.com', '+1-555-0102', '456 Oak Ave, Los Angeles, CA'),
		('CUST003', 'Bob Johnson', 'bob@example.com', '+1-555-0103', '789 Pine Rd, Chicago, IL')
	ON CONFLICT (customer_id) DO NOTHING`,
	`INSERT INTO inventory (product_id, product_name, description, price, stock_quantity, category) VALUES
		('PROD001', 'Laptop', 'High-performance laptop', 999.99, 50, 'Electronics'),
		('PROD002', 'Wireless Mouse', 'Ergonomic wireless mouse', 29.99, 200, 'Electronics'),
		('PROD003', 'Mechanical Keyboard', 'RGB mechanical keyboard', 89.99, 8, 'Electronics'),
		('PROD004', 'Monitor', '27-inch 4K monitor', 399.99, 15, 'Electronics'),
		('PROD005', 'USB-C Hub', '7-in-1 USB-C hub', 49.99, 5, 'Accessories')
	ON CONFLICT (product_id) DO NOTHING`,
}

// Migrate creates the tables and indexes if they do not exist
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

// Seed inserts sample customers and products
func (s *Store) Seed(ctx context.Context) error {
	for _, stmt := range sampleData {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to insert sample data: %w", err)
		}
	}
	return nil
}

// DropAll drops every table owned by the service
func (s *Store) DropAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS order_reservations CASCADE;
		DROP TABLE IF EXISTS order_items CASCADE;
		DROP TABLE IF EXISTS orders CASCADE;
		DROP TABLE IF EXISTS inventory CASCADE;
		DROP TABLE IF EXISTS customers CASCADE;`)
	if err != nil {
		return fmt.Errorf("failed to drop tables: %w", err)
	}
	return nil
}
